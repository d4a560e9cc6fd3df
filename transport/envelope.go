package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/goliatone/go-resource-sync/cache"
	"github.com/goliatone/go-resource-sync/query"
)

// Pagination is the pagination block of a list envelope.
type Pagination struct {
	TotalData   int `json:"total_data"`
	Limit       int `json:"limit"`
	CurrentPage int `json:"current_page"`
	TotalPages  int `json:"total_pages"`
}

// MutationResult is the decoded envelope of a write.
type MutationResult struct {
	Status  int
	Message string
	// Data holds the echoed record, if the server sent one.
	Data json.RawMessage
}

// checkEnvelope rejects bodies that are not an envelope with status 200.
// The application status is authoritative even when HTTP returned 200.
func checkEnvelope(body []byte) error {
	if !gjson.ValidBytes(body) {
		return cache.NewError(cache.KindServerError, "malformed response envelope")
	}

	res := gjson.GetManyBytes(body, "status", "message")
	status, message := res[0], res[1]
	if !status.Exists() {
		return cache.NewError(cache.KindServerError, "response envelope without status")
	}
	if code := int(status.Int()); code != http.StatusOK {
		if message.String() == "" {
			return &cache.ErrorInfo{Kind: cache.KindServerError, Status: code, Message: "request failed"}
		}
		return &cache.ErrorInfo{Kind: cache.KindServerError, Status: code, Message: message.String()}
	}
	return nil
}

func decodeData(raw gjson.Result, dest any) error {
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.Raw), dest); err != nil {
		return &cache.ErrorInfo{Kind: cache.KindServerError, Message: "decode envelope data", Err: err}
	}
	return nil
}

// DecodeList decodes a list envelope into a page. A response without a
// pagination block is a single complete page.
func DecodeList[T any](body []byte) (query.Page[T], error) {
	if err := checkEnvelope(body); err != nil {
		return query.Page[T]{}, err
	}

	var items []T
	if err := decodeData(gjson.GetBytes(body, "data"), &items); err != nil {
		return query.Page[T]{}, err
	}
	if items == nil {
		items = []T{}
	}

	pagination := gjson.GetBytes(body, "pagination")
	if !pagination.Exists() || pagination.Type == gjson.Null {
		page := query.Page[T]{Items: items, PageNumber: 1, TotalItems: len(items), Limit: len(items)}
		if len(items) > 0 {
			page.TotalPages = 1
		}
		return page, nil
	}

	var p Pagination
	if err := json.Unmarshal([]byte(pagination.Raw), &p); err != nil {
		return query.Page[T]{}, &cache.ErrorInfo{Kind: cache.KindServerError, Message: "decode pagination", Err: err}
	}
	return query.Page[T]{
		Items:      items,
		PageNumber: p.CurrentPage,
		TotalPages: p.TotalPages,
		TotalItems: p.TotalData,
		Limit:      p.Limit,
	}, nil
}

// DecodeObject decodes the data of an object envelope.
func DecodeObject[T any](body []byte) (T, error) {
	var out T
	if err := checkEnvelope(body); err != nil {
		return out, err
	}
	data := gjson.GetBytes(body, "data")
	if !data.Exists() || data.Type == gjson.Null {
		return out, cache.NewError(cache.KindNotFound, "response envelope without data")
	}
	if err := decodeData(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeMutation decodes a write envelope.
func DecodeMutation(body []byte) (MutationResult, error) {
	if err := checkEnvelope(body); err != nil {
		return MutationResult{}, err
	}
	res := gjson.GetManyBytes(body, "status", "message", "data")
	out := MutationResult{Status: int(res[0].Int()), Message: res[1].String()}
	if res[2].Exists() && res[2].Type != gjson.Null {
		out.Data = json.RawMessage(res[2].Raw)
	}
	return out, nil
}

// PageFetcher returns a page loader that GETs path with params plus the
// page number.
func PageFetcher[T any](c *Client, path string, params cache.Params) query.PageFetchFn[T] {
	return func(ctx context.Context, page int) (query.Page[T], error) {
		body, err := c.Get(ctx, path, params.With(c.pageParam, page))
		if err != nil {
			return query.Page[T]{}, err
		}
		return DecodeList[T](body)
	}
}

// ListFetcher returns a loader for an unpaged list endpoint.
func ListFetcher[T any](c *Client, path string, params cache.Params) cache.FetchFn[[]T] {
	return func(ctx context.Context) ([]T, error) {
		body, err := c.Get(ctx, path, params)
		if err != nil {
			return nil, err
		}
		page, err := DecodeList[T](body)
		return page.Items, err
	}
}

// ObjectFetcher returns a loader for a single record.
func ObjectFetcher[T any](c *Client, path string, params cache.Params) cache.FetchFn[T] {
	return func(ctx context.Context) (T, error) {
		body, err := c.Get(ctx, path, params)
		if err != nil {
			var zero T
			return zero, err
		}
		return DecodeObject[T](body)
	}
}

// Mutator returns a write that sends body with method to path. The echoed
// record, when present, is decoded into R.
func Mutator[R any](c *Client, method, path string, body any) query.MutationFn[R] {
	return func(ctx context.Context) (R, error) {
		var out R
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return out, cache.ValidationError(fmt.Errorf("transport: unsupported write method %q", method))
		}

		raw, err := c.Send(ctx, method, path, nil, body)
		if err != nil {
			return out, err
		}
		result, err := DecodeMutation(raw)
		if err != nil {
			return out, err
		}
		if len(result.Data) > 0 {
			if err := json.Unmarshal(result.Data, &out); err != nil {
				return out, &cache.ErrorInfo{Kind: cache.KindServerError, Message: "decode mutation data", Err: err}
			}
		}
		return out, nil
	}
}
