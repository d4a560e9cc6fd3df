package di

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-resource-sync/cache"
	"github.com/goliatone/go-resource-sync/filter"
	"github.com/goliatone/go-resource-sync/query"
	"github.com/goliatone/go-resource-sync/transport"
)

// ErrNoTransport is returned by the remote helpers when the container was
// built without an API base URL.
var ErrNoTransport = errors.New("di: no API transport configured")

// Loader fetches a resource for the normalized params it is keyed by.
type Loader[T any] func(ctx context.Context, params cache.Params) (T, error)

// PageLoader fetches one page of a resource for the normalized params it is
// keyed by.
type PageLoader[T any] func(ctx context.Context, params cache.Params, page int) (query.Page[T], error)

// Option configures a Container.
type Option func(*containerOptions)

type containerOptions struct {
	logger     *zerolog.Logger
	clock      clockwork.Clock
	tokens     transport.TokenProvider
	httpClient *http.Client
}

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *containerOptions) {
		o.logger = &logger
	}
}

// WithClock sets the clock shared by the store and filter engines.
func WithClock(clock clockwork.Clock) Option {
	return func(o *containerOptions) {
		o.clock = clock
	}
}

// WithTokenProvider sets the bearer token source of the API client.
func WithTokenProvider(tokens transport.TokenProvider) Option {
	return func(o *containerOptions) {
		o.tokens = tokens
	}
}

// WithHTTPClient sets the http.Client used by the API client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *containerOptions) {
		o.httpClient = hc
	}
}

// Container wires the store, key codec, fetcher and API client that views
// share. Each Container is isolated; nothing is process wide.
type Container struct {
	config    Config
	logger    zerolog.Logger
	clock     clockwork.Clock
	store     *cache.Store
	codec     cache.KeyCodec
	fetcher   *query.Fetcher
	client    *transport.Client
	queryOpts []query.Option
}

// NewContainer validates cfg and builds every component from it.
func NewContainer(cfg Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := containerOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := newLogger(cfg.LogLevel)
	if o.logger != nil {
		logger = *o.logger
	}

	store, err := cache.NewStore(cfg.Cache,
		cache.WithClock(o.clock),
		cache.WithLogger(logger.With().Str("component", "store").Logger()),
	)
	if err != nil {
		return nil, err
	}

	var codecOpts []cache.KeyCodecOption
	if cfg.NoFilter != "" {
		codecOpts = append(codecOpts, cache.WithDefaultSentinel(cfg.NoFilter))
	}

	queryOpts := []query.Option{
		query.WithLogger(logger.With().Str("component", "query").Logger()),
		query.WithRetryConfig(cfg.Retry),
		query.WithStaleAfter(cfg.Cache.StaleAfter),
		query.WithParallelism(cfg.Parallelism),
	}

	c := &Container{
		config:    cfg,
		logger:    logger,
		clock:     o.clock,
		store:     store,
		codec:     cache.NewKeyCodec(codecOpts...),
		fetcher:   query.NewFetcher(store, queryOpts...),
		queryOpts: queryOpts,
	}

	if cfg.Transport.BaseURL != "" {
		client, err := transport.NewClient(cfg.Transport,
			transport.WithTokenProvider(o.tokens),
			transport.WithHTTPClient(o.httpClient),
			transport.WithLogger(logger.With().Str("component", "transport").Logger()),
		)
		if err != nil {
			return nil, err
		}
		c.client = client
	}

	logger.Debug().
		Int("capacity", cfg.Cache.Capacity).
		Dur("stale_after", cfg.Cache.StaleAfter).
		Bool("transport", c.client != nil).
		Msg("container ready")
	return c, nil
}

// NewContainerWithDefaults creates a Container from DefaultConfig.
func NewContainerWithDefaults(opts ...Option) (*Container, error) {
	return NewContainer(DefaultConfig(), opts...)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// Config returns the configuration the container was built from.
func (c *Container) Config() Config {
	return c.config
}

// Store returns the shared entry store.
func (c *Container) Store() *cache.Store {
	return c.store
}

// Codec returns the shared key codec.
func (c *Container) Codec() cache.KeyCodec {
	return c.codec
}

// Fetcher returns the shared fetcher.
func (c *Container) Fetcher() *query.Fetcher {
	return c.fetcher
}

// Client returns the API client, or nil without a base URL.
func (c *Container) Client() *transport.Client {
	return c.client
}

// Logger returns the container logger.
func (c *Container) Logger() zerolog.Logger {
	return c.logger
}

// Key returns the cache key for resource and params.
func (c *Container) Key(resource string, params cache.Params) cache.Key {
	return c.codec.Encode(resource, params)
}

// UseResource binds a single resource. The loader receives the same
// normalized params the key was built from.
func UseResource[T any](c *Container, resource string, params cache.Params, load Loader[T]) *query.Resource[T] {
	normalized := c.codec.Normalize(params)
	key := c.codec.Encode(resource, normalized)
	return query.NewResource(c.fetcher, key, func(ctx context.Context) (T, error) {
		return load(ctx, normalized)
	})
}

// UsePagedResource binds a paged resource.
func UsePagedResource[T any](c *Container, resource string, params cache.Params, load PageLoader[T]) *query.Pager[T] {
	key, fetchPage := pagedBinding(c, resource, params, load)
	return query.NewPager(c.fetcher, key, fetchPage, c.queryOpts...)
}

func pagedBinding[T any](c *Container, resource string, params cache.Params, load PageLoader[T]) (cache.Key, query.PageFetchFn[T]) {
	normalized := c.codec.Normalize(params)
	key := c.codec.Encode(resource, normalized)
	return key, func(ctx context.Context, page int) (query.Page[T], error) {
		return load(ctx, normalized, page)
	}
}

// UseMutationWithInvalidation binds a write that marks rules stale once it
// succeeds.
func UseMutationWithInvalidation[R any](c *Container, fn query.MutationFn[R], rules ...query.InvalidationRule) *query.Mutation[R] {
	return query.NewMutation(c.store, fn, rules, c.queryOpts...)
}

// NewFilterEngine creates a filter engine sharing the container clock and
// logger.
func NewFilterEngine(c *Container, opts ...filter.Option) *filter.Engine {
	base := []filter.Option{
		filter.WithClock(c.clock),
		filter.WithLogger(c.logger.With().Str("component", "filter").Logger()),
	}
	return filter.NewEngine(append(base, opts...)...)
}

// BindFilter creates a pager that follows engine: it starts from the applied
// params and moves to a new page sequence after every Apply. The returned
// function stops following.
func BindFilter[T any](c *Container, engine *filter.Engine, resource string, load PageLoader[T]) (*query.Pager[T], func()) {
	_, params := engine.Applied()
	pager := UsePagedResource(c, resource, params, load)

	unbind := engine.OnApply(func(params cache.Params) {
		key, fetchPage := pagedBinding(c, resource, params, load)
		pager.SetKey(key, fetchPage)
	})
	return pager, unbind
}

// RemoteLoader loads a single record from path through the API client.
func RemoteLoader[T any](c *Container, path string) (Loader[T], error) {
	if c.client == nil {
		return nil, ErrNoTransport
	}
	return func(ctx context.Context, params cache.Params) (T, error) {
		return transport.ObjectFetcher[T](c.client, path, params)(ctx)
	}, nil
}

// RemotePageLoader loads pages of a list endpoint through the API client.
func RemotePageLoader[T any](c *Container, path string) (PageLoader[T], error) {
	if c.client == nil {
		return nil, ErrNoTransport
	}
	return func(ctx context.Context, params cache.Params, page int) (query.Page[T], error) {
		return transport.PageFetcher[T](c.client, path, params)(ctx, page)
	}, nil
}

// RemoteMutation sends body to path with method through the API client.
func RemoteMutation[R any](c *Container, method, path string, body any, rules ...query.InvalidationRule) (*query.Mutation[R], error) {
	if c.client == nil {
		return nil, ErrNoTransport
	}
	return UseMutationWithInvalidation(c, transport.Mutator[R](c.client, method, path, body), rules...), nil
}
