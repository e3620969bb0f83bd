package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/digiblynk/pumpcore/internal/channel"
)

const (
	// DefaultTimeout applies when Config.Timeout is zero.
	DefaultTimeout = 5 * time.Second

	// maxBodyBytes caps how much of a relay response is read.
	maxBodyBytes = 64 << 10

	// maxMessageLen caps relay error messages echoed to callers.
	maxMessageLen = 200
)

// Config configures an HTTPClient.
type Config struct {
	// BaseURL is the relay's external API root,
	// e.g. https://blynk.cloud/external/api.
	BaseURL string

	// Token is the device auth token.
	Token string

	// Timeout bounds each individual call.
	Timeout time.Duration

	// HTTPClient overrides the transport. Nil uses a default client.
	HTTPClient *http.Client
}

// HTTPClient implements Client against the relay's HTTP API.
// It is safe for concurrent use.
type HTTPClient struct {
	base     *url.URL
	token    string
	timeout  time.Duration
	http     *http.Client
	logger   Logger
	observer Observer
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("relay: base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, errors.New("relay: token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &HTTPClient{
		base:    base,
		token:   cfg.Token,
		timeout: timeout,
		http:    hc,
		logger:  noopLogger{},
	}, nil
}

// SetLogger sets the logger for the client.
func (c *HTTPClient) SetLogger(logger Logger) {
	c.logger = logger
}

// SetObserver sets the call observer. Nil disables observation.
func (c *HTTPClient) SetObserver(o Observer) {
	c.observer = o
}

// Get implements Client.
func (c *HTTPClient) Get(ctx context.Context, channelID string) (int64, error) {
	start := time.Now()
	body, err := c.do(ctx, "get", url.QueryEscape(channelID))
	if err == nil {
		var v int64
		v, err = channel.ParseValue(string(body))
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrInvalidValue, channelID, err)
		} else {
			c.finish(OpGet, channelID, nil, start)
			return v, nil
		}
	}
	c.finish(OpGet, channelID, err, start)
	return 0, err
}

// Set implements Client.
func (c *HTTPClient) Set(ctx context.Context, channelID string, value int64) error {
	start := time.Now()
	_, err := c.do(ctx, "update",
		url.QueryEscape(channelID)+"="+strconv.FormatInt(value, 10))
	c.finish(OpSet, channelID, err, start)
	return err
}

func (c *HTTPClient) finish(op, channelID string, err error, start time.Time) {
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveRelayCall(op, err, elapsed)
	}
	if err != nil {
		c.logger.Warn("relay call failed",
			"op", op, "channel", channelID, "elapsed", elapsed, "error", err)
		return
	}
	c.logger.Debug("relay call", "op", op, "channel", channelID, "elapsed", elapsed)
}

// do issues GET {base}/{endpoint}?token=T&{pinQuery} and returns the body of
// a 2xx response. The token never appears in the returned error.
func (c *HTTPClient) do(ctx context.Context, endpoint, pinQuery string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + "/" + endpoint
	u.RawQuery = "token=" + url.QueryEscape(c.token) + "&" + pinQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay: building %s request", endpoint)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, endpoint, transportCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %s", ErrUnavailable, endpoint, transportCause(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d: %s",
			ErrRejected, endpoint, resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

// transportCause strips the request URL (which carries the token) from a
// transport error.
func transportCause(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return err.Error()
}

// errorMessage extracts {"error":{"message":...}} or falls back to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		msg = payload.Error.Message
	}
	if msg == "" {
		return "no message"
	}
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
