package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	postmarkURL = "https://api.postmarkapp.com/email"

	// Postmark's stream for one-to-one mail such as license receipts.
	transactionalStream = "outbound"

	sendRetries = 3
)

// Message is a single outbound email. Tag names the notification kind so
// deliveries can be grouped in the provider's dashboard.
type Message struct {
	To       []string
	Cc       []string
	Subject  string
	HTMLBody string
	TextBody string
	Tag      string
}

// Sender delivers messages through some transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// APIError is a rejected Postmark request.
type APIError struct {
	StatusCode int
	ErrorCode  int    `json:"ErrorCode"`
	Message    string `json:"Message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("postmark: status %d code %d: %s", e.StatusCode, e.ErrorCode, e.Message)
}

func (e *APIError) temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client sends through the Postmark HTTP API.
type Client struct {
	serverToken string
	fromEmail   string
	endpoint    string
	httpClient  *http.Client
	backoff     time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithEndpoint overrides the API URL, e.g. for a test server.
func WithEndpoint(url string) Option {
	return func(cl *Client) {
		cl.endpoint = url
	}
}

// WithRetryBackoff sets the first delay between attempts on transient errors.
func WithRetryBackoff(d time.Duration) Option {
	return func(cl *Client) {
		cl.backoff = d
	}
}

func NewClient(serverToken, fromEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		endpoint:    postmarkURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		backoff:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Cc            string `json:"Cc,omitempty"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream"`
}

// Send posts msg, retrying rate limits and server errors with exponential
// backoff. Client errors such as an invalid recipient fail at once.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if !c.Configured() {
		return errors.New("email client not configured: missing server token")
	}
	if len(msg.To) == 0 {
		return errors.New("send email: no recipients")
	}

	body, err := json.Marshal(postmarkEmail{
		From:          c.fromEmail,
		To:            strings.Join(msg.To, ","),
		Cc:            strings.Join(msg.Cc, ","),
		Subject:       msg.Subject,
		HtmlBody:      msg.HTMLBody,
		TextBody:      msg.TextBody,
		Tag:           msg.Tag,
		MessageStream: transactionalStream,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	b := retry.WithMaxRetries(sendRetries, retry.NewExponential(c.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.post(ctx, body)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.temporary() {
			return err
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
