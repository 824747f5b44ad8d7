// Package remote is the typed HTTP boundary to the field-data backend. It
// provides pull endpoints per entity type, the create endpoint for locally
// captured readings, the image upload endpoint, and authenticated fetches of
// stored images.
//
// Every request carries the bearer token of an injected session. A 401
// response triggers exactly one token refresh and one replay of the request.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/fieldsync/internal/assets"
	"github.com/njoerd114/fieldsync/internal/model"
)

// defaultTimeout bounds a single request including reading the response.
const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 512

// TokenSource supplies bearer tokens. Implemented by [auth.Session].
type TokenSource interface {
	// Acquire returns a valid token and whether it was just refreshed.
	Acquire(ctx context.Context) (token string, refreshed bool, err error)
	Refresh(ctx context.Context) (string, error)
}

// Client talks to the backend. Create one with [NewClient].
type Client struct {
	base        *url.URL
	hc          *http.Client
	tokens      TokenSource
	timeout     time.Duration
	maxAttempts int
	log         *slog.Logger
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout sets the per-call deadline. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxAttempts enables automatic retries of network failures.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient creates a Client for the API rooted at baseURL.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing API URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("API URL %q must be http or https", baseURL)
	}

	c := &Client{
		base:        u,
		hc:          &http.Client{},
		tokens:      tokens,
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
		log:         logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping checks that the backend is reachable and accepts the token.
func (c *Client) Ping(ctx context.Context) error {
	const op = "ping"
	return c.withRetry(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, op, c.jsonRequest(http.MethodGet, c.endpoint(pathHealth, nil), nil))
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	})
}

// SyncMeters returns every meter created or updated after since. A zero
// since requests the full set.
func (c *Client) SyncMeters(ctx context.Context, since time.Time) ([]model.Meter, error) {
	const op = "meters.sync"
	var wire []wireMeter
	if err := c.getJSON(ctx, op, c.endpoint(pathMeterSync, sinceQuery(since)), &wire); err != nil {
		return nil, err
	}

	meters := make([]model.Meter, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			c.log.Warn("skipping meter without id in sync response")
			continue
		}
		meters = append(meters, wireMeterToModel(w))
	}
	return meters, nil
}

// SyncReadings returns every reading created or updated after since.
func (c *Client) SyncReadings(ctx context.Context, since time.Time) ([]model.Reading, error) {
	const op = "readings.sync"
	var wire []wireReading
	if err := c.getJSON(ctx, op, c.endpoint(pathReadingSync, sinceQuery(since)), &wire); err != nil {
		return nil, err
	}

	readings := make([]model.Reading, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" || w.MeterID == "" {
			c.log.Warn("skipping reading without id or meterId in sync response", "id", w.ID)
			continue
		}
		readings = append(readings, wireReadingToModel(w))
	}
	return readings, nil
}

// CreateReading pushes one locally captured reading.
func (c *Client) CreateReading(ctx context.Context, req CreateReadingRequest) (CreateReadingResponse, error) {
	const op = "readings.create"
	body, err := json.Marshal(req)
	if err != nil {
		return CreateReadingResponse{}, fmt.Errorf("%s: encoding request: %w", op, err)
	}

	var out CreateReadingResponse
	err = c.withRetry(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, op, c.jsonRequest(http.MethodPost, c.endpoint(pathReadings, nil), body))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		return decodeJSON(op, resp, &out)
	})
	if err != nil {
		return CreateReadingResponse{}, err
	}
	if out.CreatedAt.IsZero() {
		return CreateReadingResponse{}, fmt.Errorf("%s: response for %q has no createdAt", op, req.ID)
	}
	if out.ID == "" {
		out.ID = req.ID
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

// UploadImage implements [assets.Uploader] against the multipart images
// endpoint.
func (c *Client) UploadImage(ctx context.Context, name string, body io.Reader, _ int64, contentType string, opts assets.UploadOptions) (assets.UploadResult, error) {
	const op = "images.upload"

	// Buffer the form so the request can be replayed after a token refresh.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return assets.UploadResult{}, fmt.Errorf("%s: building form: %w", op, err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return assets.UploadResult{}, fmt.Errorf("%s: reading image: %w", op, err)
	}
	if opts.Width > 0 && opts.Height > 0 {
		_ = mw.WriteField("width", strconv.Itoa(opts.Width))
		_ = mw.WriteField("height", strconv.Itoa(opts.Height))
	}
	if err := mw.Close(); err != nil {
		return assets.UploadResult{}, fmt.Errorf("%s: building form: %w", op, err)
	}
	form := buf.Bytes()
	formType := mw.FormDataContentType()

	var out uploadResponse
	err = c.withRetry(ctx, func(ctx context.Context) error {
		build := func(ctx context.Context, token string) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathImages, nil), bytes.NewReader(form))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", formType)
			req.Header.Set("Accept", "application/json")
			setBearer(req, token)
			return req, nil
		}
		resp, err := c.do(ctx, op, build)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		return decodeJSON(op, resp, &out)
	})
	if err != nil {
		return assets.UploadResult{}, err
	}
	if out.OutURL == "" {
		return assets.UploadResult{}, fmt.Errorf("%s: response has no outUrl", op)
	}
	return assets.UploadResult{URL: out.OutURL, Width: out.Width, Height: out.Height}, nil
}

// Fetch implements [assets.Fetcher]. The bearer token is only sent to the
// API host; presigned storage URLs carry their own credentials and reject an
// extra Authorization header.
func (c *Client) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	const op = "images.download"
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%s: invalid URL %q", op, rawURL)
	}
	withAuth := strings.EqualFold(u.Host, c.base.Host)

	var body io.ReadCloser
	err = c.withRetryNoTimeout(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		build := func(ctx context.Context, token string) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, err
			}
			if withAuth {
				setBearer(req, token)
			}
			return req, nil
		}

		var resp *http.Response
		var err error
		if withAuth {
			resp, err = c.do(callCtx, op, build)
		} else {
			resp, err = c.doUnauthenticated(callCtx, op, build)
		}
		if err != nil {
			cancel()
			return err
		}
		body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// --- request plumbing --------------------------------------------------------

// requestBuilder creates a fresh request for the given token. It is called
// again when a request is replayed after a refresh.
type requestBuilder func(ctx context.Context, token string) (*http.Request, error)

// do sends the request with the current token. A 401 triggers one refresh
// and one replay; a second 401 is an [*AuthError]. Non-2xx responses become
// [*NetworkError]s. On success the caller owns resp.Body.
func (c *Client) do(ctx context.Context, op string, build requestBuilder) (*http.Response, error) {
	token, refreshed, err := c.tokens.Acquire(ctx)
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}

	resp, err := c.send(ctx, op, build, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(op, resp)
	}
	_ = resp.Body.Close()
	if refreshed {
		return nil, &AuthError{Op: op, Err: errors.New("server rejected freshly issued token")}
	}

	c.log.Info("token rejected, refreshing once", "op", op)
	token, err = c.tokens.Refresh(ctx)
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}

	resp, err = c.send(ctx, op, build, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, &AuthError{Op: op, Err: errors.New("server rejected refreshed token")}
	}
	return checkStatus(op, resp)
}

func (c *Client) doUnauthenticated(ctx context.Context, op string, build requestBuilder) (*http.Response, error) {
	resp, err := c.send(ctx, op, build, "")
	if err != nil {
		return nil, err
	}
	return checkStatus(op, resp)
}

func (c *Client) send(ctx context.Context, op string, build requestBuilder, token string) (*http.Response, error) {
	req, err := build(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		return nil, &NetworkError{Op: op, Err: err}
	}
	return resp, nil
}

func checkStatus(op string, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(msg))
	if text == "" {
		text = "empty response body"
	}
	return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(text)}
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	return c.withRetry(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, op, c.jsonRequest(http.MethodGet, endpoint, nil))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		return decodeJSON(op, resp, out)
	})
}

func (c *Client) jsonRequest(method, endpoint string, body []byte) requestBuilder {
	return func(ctx context.Context, token string) (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		setBearer(req, token)
		return req, nil
	}
}

// withRetry runs fn under the retry policy, giving every attempt its own
// per-call deadline.
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, c.maxAttempts, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(callCtx)
	})
}

// withRetryNoTimeout is used when the response body outlives fn and the
// deadline is attached to the body instead.
func (c *Client) withRetryNoTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, c.maxAttempts, func() error { return fn(ctx) })
}

func (c *Client) endpoint(p string, q url.Values) string {
	u := c.base.JoinPath(p)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func sinceQuery(since time.Time) url.Values {
	if since.IsZero() {
		return nil
	}
	return url.Values{paramLastSync: {since.UTC().Format(time.RFC3339Nano)}}
}

func setBearer(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func decodeJSON(op string, resp *http.Response, out any) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// cancelOnClose releases the per-call context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
