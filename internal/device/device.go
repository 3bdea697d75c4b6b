// Package device talks to the display through its Local API.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vestabot/internal/render"
	"vestabot/pkg/jsonx"
	logx "vestabot/pkg/logx"
)

var (
	// ErrUnreachable covers network errors, timeouts, HTTP 5xx and 429. It is retried.
	ErrUnreachable = errors.New("device unreachable")
	ErrAuth        = errors.New("device rejected credentials")
	// ErrRejected is any other non-2xx answer.
	ErrRejected = errors.New("device rejected message")
	// ErrCapabilityMismatch means the board's matrix contradicts explicit rows/cols.
	ErrCapabilityMismatch = errors.New("device capability mismatch")
)

const (
	messagePath = "/local-api/message"
	keyHeader   = "X-Vestaboard-Local-Api-Key"
)

type Config struct {
	URL   string
	Key   string
	Model string
	// Rows/Cols override Model when both are set.
	Rows int
	Cols int

	AttemptTimeout time.Duration
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
}

// Capability is what the engine needs to know about the board.
type Capability struct {
	Model string `json:"model"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
}

// Ack describes a delivered message.
type Ack struct {
	Attempts int
	Status   int
	Took     time.Duration
}

type Client struct {
	cfg  Config
	cap  Capability
	http *http.Client
	log  logx.Logger

	// newBackOff is replaced in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
	onAttempt  func(result string)
}

func New(cfg Config, hc *http.Client, log logx.Logger) (*Client, error) {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.URL == "" {
		return nil, errors.New("device url is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("device api key is required")
	}
	capab, err := resolveCapability(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, cap: capab, http: hc, log: log.With(logx.String("comp", "device"))}
	c.newBackOff = c.exponential
	return c, nil
}

func resolveCapability(cfg Config) (Capability, error) {
	if cfg.Rows > 0 && cfg.Cols > 0 {
		return Capability{Model: "custom", Rows: cfg.Rows, Cols: cfg.Cols}, nil
	}
	rows, cols, ok := render.Dimensions(cfg.Model)
	if !ok {
		return Capability{}, fmt.Errorf("unknown device model %q", cfg.Model)
	}
	model := strings.ToLower(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = render.ModelFlagship
	}
	return Capability{Model: model, Rows: rows, Cols: cols}, nil
}

func (c *Client) Capability() Capability { return c.cap }

// Discover reads the board's current matrix and reconciles its size with the
// configured capability. A model-derived size is replaced by the board's; an
// explicit rows/cols setting that disagrees is an ErrCapabilityMismatch. When
// the board cannot be read the configured capability is kept and the read
// error returned alongside it. Call it before the first Send.
func (c *Client) Discover(ctx context.Context) (Capability, error) {
	g, err := c.Current(ctx)
	if err != nil {
		return c.cap, err
	}
	rows, cols := g.Rows(), g.Cols()
	if rows == c.cap.Rows && cols == c.cap.Cols {
		return c.cap, nil
	}
	if c.cfg.Rows > 0 && c.cfg.Cols > 0 {
		return c.cap, fmt.Errorf("%w: board is %dx%d, configured %dx%d", ErrCapabilityMismatch, rows, cols, c.cap.Rows, c.cap.Cols)
	}
	detected := Capability{Model: "custom", Rows: rows, Cols: cols}
	for _, m := range []string{render.ModelFlagship, render.ModelNote} {
		if r, cl, _ := render.Dimensions(m); r == rows && cl == cols {
			detected.Model = m
		}
	}
	c.log.Error("board size differs from configured model; using the board's",
		logx.String("configured", fmt.Sprintf("%s %dx%d", c.cap.Model, c.cap.Rows, c.cap.Cols)),
		logx.String("board", fmt.Sprintf("%s %dx%d", detected.Model, rows, cols)))
	c.cap = detected
	return c.cap, nil
}

// OnAttempt registers fn to be called after every write attempt with one of
// ok, unreachable, auth or rejected. Call it before the first Send.
func (c *Client) OnAttempt(fn func(result string)) { c.onAttempt = fn }

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "rejected"
	}
}

func (c *Client) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBase
	b.MaxInterval = c.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	return b
}

// Send writes g to the board, retrying ErrUnreachable up to RetryMax times.
func (c *Client) Send(ctx context.Context, g render.Grid) (Ack, error) {
	if g.Rows() != c.cap.Rows || g.Cols() != c.cap.Cols {
		return Ack{}, fmt.Errorf("%w: grid %dx%d does not match board %dx%d", ErrRejected, g.Rows(), g.Cols(), c.cap.Rows, c.cap.Cols)
	}
	body, err := jsonx.Marshal(g.Matrix())
	if err != nil {
		return Ack{}, err
	}

	start := time.Now()
	var ack Ack
	op := func() error {
		ack.Attempts++
		status, err := c.post(ctx, body)
		ack.Status = status
		if c.onAttempt != nil {
			c.onAttempt(attemptResult(err))
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnreachable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("device send retry", logx.Int("attempt", ack.Attempts), logx.Duration("backoff", wait), logx.Err(err))
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.RetryMax)), ctx)
	err = backoff.RetryNotify(op, b, notify)
	ack.Took = time.Since(start)
	if err != nil {
		return ack, err
	}
	return ack, nil
}

func (c *Client) post(ctx context.Context, body []byte) (int, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.cfg.URL+messagePath, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set(keyHeader, c.cfg.Key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, classify(resp.StatusCode)
}

func classify(status int) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnreachable, status)
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, status)
	}
}

// Probe checks connectivity. The Local API answers GET with 200, or 405 on
// firmware that only accepts POST.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.get(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	switch resp.StatusCode {
	case http.StatusOK, http.StatusMethodNotAllowed:
		return nil
	}
	return classify(resp.StatusCode)
}

// Current reads the message currently shown on the board.
func (c *Client) Current(ctx context.Context) (render.Grid, error) {
	resp, err := c.get(ctx)
	if err != nil {
		return render.Grid{}, err
	}
	defer resp.Body.Close()
	if err := classify(resp.StatusCode); err != nil {
		return render.Grid{}, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return render.Grid{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var wrapped struct {
		Message [][]int `json:"message"`
	}
	var matrix [][]int
	if err := jsonx.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Message) > 0 {
		matrix = wrapped.Message
	} else if err := jsonx.Unmarshal(raw, &matrix); err != nil {
		return render.Grid{}, fmt.Errorf("%w: decode board: %v", ErrRejected, err)
	}
	return render.GridFromMatrix(matrix)
}

func (c *Client) get(ctx context.Context) (*http.Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	req, err := http.NewRequestWithContext(actx, http.MethodGet, c.cfg.URL+messagePath, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set(keyHeader, c.cfg.Key)
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
