package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized is returned for 401 responses after the credential has
	// been cleared and OnUnauthorized has run.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrEnvelope is returned when the server answers with a non-zero code.
	ErrEnvelope = errors.New("request rejected by server")
)

// CredentialSource supplies the bearer token for each request.
type CredentialSource interface {
	Token() string
}

// StaticToken is a CredentialSource with a fixed token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Config configures a Client.
type Config struct {
	BaseURL     string
	Credentials CredentialSource
	// OnUnauthorized runs once per 401 response. It is where callers clear the
	// stored credential and send the user back to sign in.
	OnUnauthorized func()
	Timeout        time.Duration
	// Concurrency bounds parallel page fetches during Backfill.
	Concurrency int
	Logger      *zap.Logger
}

// Client talks to the feed REST API.
type Client struct {
	client      *resty.Client
	baseURL     string
	concurrency int
	logger      *zap.Logger
}

// envelope is the wrapper every JSON API response except auth and profile
// comes in. Code 0 is success.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	creds := cfg.Credentials
	rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if creds == nil {
			return nil
		}
		if token := creds.Token(); token != "" {
			r.SetAuthToken(token)
		}
		return nil
	})

	onUnauthorized := cfg.OnUnauthorized
	rc.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		if r.StatusCode() != http.StatusUnauthorized {
			return nil
		}
		logger.Warn("Credential rejected by API",
			zap.String("method", r.Request.Method),
			zap.String("url", r.Request.URL))
		if onUnauthorized != nil {
			onUnauthorized()
		}
		return ErrUnauthorized
	})

	return &Client{client: rc, baseURL: base, concurrency: concurrency, logger: logger}, nil
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// check turns transport errors and non-2xx statuses into errors.
func check(resp *resty.Response, err error) error {
	if errors.Is(err, ErrUnauthorized) || (resp != nil && resp.StatusCode() == http.StatusUnauthorized) {
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("request failed with status: %s", resp.Status())
	}
	return nil
}

// decodeEnvelope unwraps an enveloped response into out.
func decodeEnvelope(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		if env.Message == "" {
			return fmt.Errorf("%w: code %d", ErrEnvelope, env.Code)
		}
		return fmt.Errorf("%w: code %d: %s", ErrEnvelope, env.Code, env.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
