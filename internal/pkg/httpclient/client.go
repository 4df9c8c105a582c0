package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"resty.dev/v3"
)

// Client wraps a resty client sharing one cookie jar across requests.
type Client struct {
	client *resty.Client
	logger *log.Helper
}

// Config holds configuration for HTTP client.
type Config struct {
	Timeout          time.Duration
	RetryCount       int
	RetryWaitTime    time.Duration
	RetryMaxWaitTime time.Duration
	BaseURL          string
	UserAgent        string
	Headers          map[string]string
	Debug            bool
}

// DefaultConfig returns default HTTP client configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:          120 * time.Second,
		RetryCount:       2,
		RetryWaitTime:    time.Second,
		RetryMaxWaitTime: 30 * time.Second,
		UserAgent:        "posetl/1.0",
		Headers:          make(map[string]string),
	}
}

// restyLogger routes resty's internal logs through kratos.
type restyLogger struct {
	h *log.Helper
}

func (l restyLogger) Errorf(format string, v ...any) { l.h.Errorf(format, v...) }
func (l restyLogger) Warnf(format string, v ...any)  { l.h.Warnf(format, v...) }
func (l restyLogger) Debugf(format string, v ...any) { l.h.Debugf(format, v...) }

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *Config, logger *log.Helper) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = log.NewHelper(log.DefaultLogger)
	}

	client := resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(config.RetryCount).
		SetRetryWaitTime(config.RetryWaitTime).
		SetRetryMaxWaitTime(config.RetryMaxWaitTime).
		SetLogger(restyLogger{h: logger}).
		SetDebug(config.Debug)

	if config.BaseURL != "" {
		client.SetBaseURL(config.BaseURL)
	}
	if config.UserAgent != "" {
		client.SetHeader("User-Agent", config.UserAgent)
	}
	for key, value := range config.Headers {
		client.SetHeader(key, value)
	}

	return &Client{
		client: client,
		logger: logger,
	}
}

// R creates a new request.
func (c *Client) R(ctx context.Context) *resty.Request {
	return c.client.R().SetContext(ctx)
}

// Get performs a GET request and fails on non-2xx responses.
func (c *Client) Get(ctx context.Context, url string) (*resty.Response, error) {
	resp, err := c.R(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	return resp, CheckStatus(resp)
}

// PostForm performs a form-encoded POST request and fails on non-2xx responses.
func (c *Client) PostForm(ctx context.Context, url string, form, headers map[string]string) (*resty.Response, error) {
	resp, err := c.R(ctx).SetFormData(form).SetHeaders(headers).Post(url)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	return resp, CheckStatus(resp)
}

// SetCookie stores a cookie for the base URL in the cookie jar, replacing any cookie of the
// same name. Without a base URL or jar the cookie is attached to every request instead.
func (c *Client) SetCookie(name, value string) {
	cookie := &http.Cookie{Name: name, Value: value, Path: "/"}
	jar := c.client.CookieJar()
	u, err := url.Parse(c.client.BaseURL())
	if jar == nil || err != nil || u.Host == "" {
		c.client.SetCookie(cookie)
		return
	}
	jar.SetCookies(u, []*http.Cookie{cookie})
}

// Close closes the HTTP client and releases resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// CheckStatus converts a non-2xx response into a *StatusError.
func CheckStatus(resp *resty.Response) error {
	if resp == nil || resp.IsSuccess() {
		return nil
	}
	body := resp.String()
	if len(body) > 256 {
		body = body[:256]
	}
	e := &StatusError{Code: resp.StatusCode(), Body: body}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.URL = resp.Request.URL
	}
	return e
}
