package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t testing.TB, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}

	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
// The path is relative to the test package directory.
func LoadFixtureJSON(t testing.TB, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

// ListEnvelope renders items as page of a list response with total items
// spread over pages of limit.
func ListEnvelope(t testing.TB, items any, page, limit, total int) []byte {
	t.Helper()

	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return mustJSON(t, map[string]any{
		"status":  200,
		"message": "OK",
		"data":    items,
		"pagination": map[string]int{
			"total_data":   total,
			"limit":        limit,
			"current_page": page,
			"total_pages":  totalPages,
		},
	})
}

// ObjectEnvelope renders data as a successful object response.
func ObjectEnvelope(t testing.TB, data any) []byte {
	t.Helper()
	return mustJSON(t, map[string]any{"status": 200, "message": "OK", "data": data})
}

// StatusEnvelope renders an envelope carrying only status and message.
func StatusEnvelope(t testing.TB, status int, message string) []byte {
	t.Helper()
	return mustJSON(t, map[string]any{"status": status, "message": message})
}

func mustJSON(t testing.TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return data
}
