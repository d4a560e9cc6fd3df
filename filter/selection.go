// Package filter models list filters as a tagged selection of one time mode
// (year, month, date or range) plus caller-declared dimensions, and turns an
// applied selection into request params.
package filter

import (
	"fmt"
	"maps"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-resource-sync/cache"
)

// DateLayout is the wire format of date params.
const DateLayout = "2006-01-02"

// Mode identifies the active time filter.
type Mode int

const (
	ModeYear Mode = iota
	ModeMonth
	ModeDate
	ModeRange
)

var modeNames = [...]string{"year", "month", "date", "range"}

func (m Mode) String() string {
	if m.valid() {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) valid() bool {
	return m >= ModeYear && m <= ModeRange
}

// ParseMode returns the Mode named s.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return 0, cache.ValidationError(fmt.Errorf("filter: unknown mode %q", s))
}

// Criteria is the mode specific part of a Selection. It is implemented by
// Year, Month, Date and Range only.
type Criteria interface {
	validation.Validatable
	Mode() Mode
	params(names ParamNames) cache.Params
}

// Year filters by calendar year.
type Year struct {
	Year int
}

func (Year) Mode() Mode { return ModeYear }

func (y Year) Validate() error {
	return validation.ValidateStruct(&y,
		validation.Field(&y.Year, validation.Required, validation.Min(1), validation.Max(9999)),
	)
}

func (y Year) params(names ParamNames) cache.Params {
	return cache.Params{names.Year: y.Year}
}

// Month filters by calendar month.
type Month struct {
	Year  int
	Month time.Month
}

func (Month) Mode() Mode { return ModeMonth }

func (m Month) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Year, validation.Required, validation.Min(1), validation.Max(9999)),
		validation.Field(&m.Month, validation.Required, validation.Min(1), validation.Max(12)),
	)
}

func (m Month) params(names ParamNames) cache.Params {
	return cache.Params{names.Year: m.Year, names.Month: int(m.Month)}
}

// Date filters by a single day.
type Date struct {
	Date time.Time
}

func (Date) Mode() Mode { return ModeDate }

func (d Date) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Date, validation.Required),
	)
}

func (d Date) params(names ParamNames) cache.Params {
	return cache.Params{names.Date: d.Date.Format(DateLayout)}
}

// Range filters by an inclusive span of days.
type Range struct {
	Start time.Time
	End   time.Time
}

func (Range) Mode() Mode { return ModeRange }

func (r Range) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Start, validation.Required),
		validation.Field(&r.End, validation.Required,
			validation.Min(r.Start).Error("must not be before the start date")),
	)
}

func (r Range) params(names ParamNames) cache.Params {
	return cache.Params{
		names.RangeStart: r.Start.Format(DateLayout),
		names.RangeEnd:   r.End.Format(DateLayout),
	}
}

// Value is a dimension value. The zero Value means no filter.
type Value struct {
	v   any
	set bool
}

// All returns the no-filter Value.
func All() Value {
	return Value{}
}

// NoFilterLiteral is the dimension value that means no filter.
const NoFilterLiteral = "all"

// Of returns a Value filtering on v. Nil, cache.NoFilter, an empty string
// and NoFilterLiteral (any case) give the no-filter Value.
func Of(v any) Value {
	switch x := v.(type) {
	case nil, cache.NoFilterValue:
		return Value{}
	case string:
		if isNoFilter(x) {
			return Value{}
		}
	}
	return Value{v: v, set: true}
}

// Parse reads a raw dimension value, trimming surrounding space.
func Parse(raw string) Value {
	return Of(strings.TrimSpace(raw))
}

func isNoFilter(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, NoFilterLiteral)
}

// IsAll reports whether v applies no filter.
func (v Value) IsAll() bool {
	return !v.set
}

// Get returns the filter value and whether one is set.
func (v Value) Get() (any, bool) {
	return v.v, v.set
}

func (v Value) String() string {
	if !v.set {
		return NoFilterLiteral
	}
	s, _ := cache.FormatValue(v.v)
	return s
}

// ParamNames maps filter fields to request param names.
type ParamNames struct {
	Year       string
	Month      string
	Date       string
	RangeStart string
	RangeEnd   string
}

// DefaultParamNames returns the names the list endpoints expect.
func DefaultParamNames() ParamNames {
	return ParamNames{
		Year:       "tahun",
		Month:      "bulan",
		Date:       "tanggal",
		RangeStart: "range_start",
		RangeEnd:   "range_end",
	}
}

// Selection is one complete filter state.
type Selection struct {
	Criteria Criteria
	Extra    map[string]Value
}

// Mode returns the active mode.
func (s Selection) Mode() Mode {
	if s.Criteria == nil {
		return ModeYear
	}
	return s.Criteria.Mode()
}

// Validate checks the mode fields.
func (s Selection) Validate() error {
	if s.Criteria == nil {
		return validation.NewError("validation_filter_mode", "no filter mode selected")
	}
	return s.Criteria.Validate()
}

func (s Selection) clone() Selection {
	return Selection{Criteria: s.Criteria, Extra: maps.Clone(s.Extra)}
}

// Normalize converts sel into request params: the active mode under its
// param names plus every dimension that applies a filter. Mode params win
// over a dimension of the same name.
func Normalize(sel Selection, names ParamNames) cache.Params {
	params := make(cache.Params, len(sel.Extra)+2)
	for key, value := range sel.Extra {
		if v, ok := value.Get(); ok {
			params[key] = v
		}
	}
	if sel.Criteria != nil {
		maps.Copy(params, sel.Criteria.params(names))
	}
	return params
}
