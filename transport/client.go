// Package transport is the HTTP side of resource sync: a JSON API client
// with bearer auth and decoders for the list, object and write envelopes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/goliatone/go-resource-sync/cache"
)

// RequestIDHeader carries the per-request id.
const RequestIDHeader = "X-Request-ID"

// maxBodySize bounds how much of a response is read.
const maxBodySize = 32 << 20

// TokenProvider supplies the bearer token for a request. An empty token
// sends the request without an Authorization header.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenProvider.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns token.
func StaticToken(token string) TokenProvider {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

// Config holds the API endpoint settings.
type Config struct {
	BaseURL   string        `env:"BASE_URL"`
	Timeout   time.Duration `env:"TIMEOUT"`
	PageParam string        `env:"PAGE_PARAM"`
}

// DefaultConfig returns a Config without a base URL.
func DefaultConfig() Config {
	return Config{
		Timeout:   15 * time.Second,
		PageParam: "page",
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.PageParam, validation.Required),
	)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenProvider sets the bearer token source.
func WithTokenProvider(tokens TokenProvider) Option {
	return func(c *Client) {
		c.tokens = tokens
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to the JSON API and maps every failure onto cache.ErrorInfo.
type Client struct {
	base      *url.URL
	pageParam string
	http      *http.Client
	tokens    TokenProvider
	logger    zerolog.Logger
}

// NewClient creates a Client for cfg.BaseURL.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("transport config: %w", err)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	c := &Client{
		base:      base,
		pageParam: cfg.PageParam,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PageParam returns the name of the page number param.
func (c *Client) PageParam() string {
	return c.pageParam
}

// Get issues a GET with params as the query string and returns the body.
func (c *Client) Get(ctx context.Context, path string, params cache.Params) ([]byte, error) {
	return c.Send(ctx, http.MethodGet, path, params, nil)
}

// Post issues a POST with body encoded as JSON.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Send(ctx, http.MethodPost, path, nil, body)
}

// Delete issues a DELETE with params as the query string.
func (c *Client) Delete(ctx context.Context, path string, params cache.Params) ([]byte, error) {
	return c.Send(ctx, http.MethodDelete, path, params, nil)
}

// Send issues a request and returns the body of a 2xx response. Non 2xx
// responses become errors classified by status.
func (c *Client) Send(ctx context.Context, method, path string, params cache.Params, body any) ([]byte, error) {
	req, requestID, err := c.newRequest(ctx, method, path, params, body)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With().
		Str("method", method).
		Str("path", req.URL.Path).
		Str("request_id", requestID).
		Logger()

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		info := cache.Classify(err)
		logger.Warn().Err(err).Str("kind", info.Kind.String()).Msg("request failed")
		return nil, info
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &cache.ErrorInfo{Kind: cache.KindNetwork, Status: resp.StatusCode, Message: "read response body", Err: err}
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, cache.FromStatus(resp.StatusCode, gjson.GetBytes(data, "message").String())
	}
	return data, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, params cache.Params, body any) (*http.Request, string, error) {
	target := c.base.JoinPath(path)
	if query := encodeQuery(params); query != "" {
		target.RawQuery = query
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, "", cache.ValidationError(fmt.Errorf("encode request body: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, "", cache.ValidationError(fmt.Errorf("build request: %w", err))
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, "", &cache.ErrorInfo{Kind: cache.KindUnauthorized, Message: "token unavailable", Err: err}
		}
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, requestID, nil
}

// encodeQuery renders params with the same value formatting used for cache
// keys, so a request and its key always agree.
func encodeQuery(params cache.Params) string {
	values := url.Values{}
	for name, v := range params {
		if s, ok := cache.FormatValue(v); ok {
			values.Set(name, s)
		}
	}
	return values.Encode()
}
