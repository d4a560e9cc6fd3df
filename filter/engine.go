package filter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-resource-sync/cache"
)

var (
	ErrModeMismatch     = errors.New("filter: field does not belong to the active mode")
	ErrUnknownDimension = errors.New("filter: dimension not declared")
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for mode defaults.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithParamNames overrides the param names of the mode fields.
func WithParamNames(names ParamNames) Option {
	return func(e *Engine) {
		e.names = names
	}
}

// WithDimensions declares the extra dimensions a screen filters on.
func WithDimensions(keys ...string) Option {
	return func(e *Engine) {
		for _, key := range keys {
			e.dimensions[key] = struct{}{}
		}
	}
}

// WithDefaultMode sets the mode the engine starts in.
func WithDefaultMode(mode Mode) Option {
	return func(e *Engine) {
		if mode.valid() {
			e.defaultMode = mode
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine holds a draft Selection that a screen edits and an applied
// Selection that drives requests. Edits never change the applied params
// until Apply is called.
type Engine struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	logger      zerolog.Logger
	names       ParamNames
	dimensions  map[string]struct{}
	defaultMode Mode

	draft     Selection
	applied   Selection
	params    cache.Params
	listeners map[uint64]func(cache.Params)
	nextID    uint64
}

// NewEngine creates an Engine. The initial default selection counts as
// applied.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:       clockwork.NewRealClock(),
		logger:      zerolog.Nop(),
		names:       DefaultParamNames(),
		dimensions:  make(map[string]struct{}),
		defaultMode: ModeYear,
		listeners:   make(map[uint64]func(cache.Params)),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.draft = Selection{Criteria: e.defaults(e.defaultMode), Extra: map[string]Value{}}
	e.applied = e.draft.clone()
	e.params = Normalize(e.applied, e.names)
	return e
}

// Dimensions returns the declared dimension keys in sorted order.
func (e *Engine) Dimensions() []string {
	keys := make([]string, 0, len(e.dimensions))
	for key := range e.dimensions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// defaults returns the mode fields a fresh selection of mode starts with.
func (e *Engine) defaults(mode Mode) Criteria {
	now := e.clock.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch mode {
	case ModeMonth:
		return Month{Year: now.Year(), Month: now.Month()}
	case ModeDate:
		return Date{Date: today}
	case ModeRange:
		return Range{Start: today, End: today}
	default:
		return Year{Year: now.Year()}
	}
}

// Mode returns the draft's mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft.Mode()
}

// SwitchMode changes the draft's mode. Mode fields restart from the clock
// defaults; dimensions are kept. Switching to the active mode does nothing.
func (e *Engine) SwitchMode(mode Mode) error {
	if !mode.valid() {
		return cache.ValidationError(fmt.Errorf("filter: invalid mode %d", int(mode)))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draft.Mode() == mode {
		return nil
	}
	e.draft.Criteria = e.defaults(mode)
	e.logger.Debug().Str("mode", mode.String()).Msg("filter mode switched")
	return nil
}

// SetYear sets the year of a Year or Month draft.
func (e *Engine) SetYear(year int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch c := e.draft.Criteria.(type) {
	case Year:
		c.Year = year
		e.draft.Criteria = c
	case Month:
		c.Year = year
		e.draft.Criteria = c
	default:
		return e.mismatch("year")
	}
	return nil
}

// SetMonth sets the month of a Month draft.
func (e *Engine) SetMonth(month time.Month) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.draft.Criteria.(Month)
	if !ok {
		return e.mismatch("month")
	}
	c.Month = month
	e.draft.Criteria = c
	return nil
}

// SetDate sets the day of a Date draft.
func (e *Engine) SetDate(date time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.draft.Criteria.(Date); !ok {
		return e.mismatch("date")
	}
	e.draft.Criteria = Date{Date: date}
	return nil
}

// SetRange sets both ends of a Range draft.
func (e *Engine) SetRange(start, end time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.draft.Criteria.(Range); !ok {
		return e.mismatch("range")
	}
	e.draft.Criteria = Range{Start: start, End: end}
	return nil
}

func (e *Engine) mismatch(field string) error {
	return cache.ValidationError(fmt.Errorf("%w: %s in %s mode", ErrModeMismatch, field, e.draft.Mode()))
}

// SetDimension sets a declared dimension. All() clears it.
func (e *Engine) SetDimension(key string, value Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.dimensions[key]; !ok {
		return cache.ValidationError(fmt.Errorf("%w: %q", ErrUnknownDimension, key))
	}
	if value.IsAll() {
		delete(e.draft.Extra, key)
		return nil
	}
	e.draft.Extra[key] = value
	return nil
}

// ClearDimension removes the filter on key.
func (e *Engine) ClearDimension(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.draft.Extra, key)
}

// Draft returns a copy of the selection being edited.
func (e *Engine) Draft() Selection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft.clone()
}

// Applied returns the last applied selection and its params.
func (e *Engine) Applied() (Selection, cache.Params) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied.clone(), e.params.Clone()
}

// Apply validates the draft and makes it the applied selection. Listeners
// receive the new params. An invalid draft leaves the applied selection as
// it was.
func (e *Engine) Apply() (cache.Params, error) {
	e.mu.Lock()
	if err := e.draft.Validate(); err != nil {
		e.mu.Unlock()
		return nil, cache.ValidationError(err)
	}

	e.applied = e.draft.clone()
	e.params = Normalize(e.applied, e.names)
	params := e.params.Clone()
	mode := e.applied.Mode()
	listeners := make([]func(cache.Params), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	e.logger.Debug().
		Str("mode", mode.String()).
		Int("params", len(params)).
		Msg("filter applied")

	for _, fn := range listeners {
		fn(params.Clone())
	}
	return params, nil
}

// OnApply registers fn to run after every successful Apply.
func (e *Engine) OnApply(fn func(cache.Params)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}
