// Package remote is the HTTP client for the remote rental service that issues
// payment requests, verifies payments, analyses documents and streams events.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/google/uuid"
)

// RequestIDHeader carries a per-request correlation ID to the rental service.
const RequestIDHeader = "X-Request-ID"

const maxErrorBody = 64 << 10

var errEmptyToken = errors.New("empty token")

// CreatePaymentRequest is the body of POST /create_payment.
type CreatePaymentRequest struct {
	WalletAddress string  `json:"wallet_address"`
	RentalHours   int     `json:"rental_hours"`
	Amount        float64 `json:"amount"`
}

// Verification is the reply of GET /verify_dev.
type Verification struct {
	Status string `json:"status,omitempty"`
	Token  string `json:"token,omitempty"`
}

// HasToken reports whether the service issued an access token.
func (v *Verification) HasToken() bool {
	return v != nil && v.Token != ""
}

// UploadResult is the reply of POST /upload_document.
type UploadResult struct {
	Status   string                     `json:"status"`
	File     string                     `json:"file"`
	Analysis map[string]json.RawMessage `json:"analysis,omitempty"`
	Owner    string                     `json:"owner,omitempty"`
}

// Client talks to one rental service instance.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for baseURL. Requests time out after timeout
// unless the caller's context ends first; event streams are not bounded by it.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse rental service url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: rental service url must be http(s), got %q", errdefs.ErrInvalidArgument, baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// StreamClient returns an HTTP client without an overall timeout, for
// long-lived event streams.
func (c *Client) StreamClient() *http.Client {
	return &http.Client{Transport: c.http.Transport}
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// CreatePayment asks the service for a payment request.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*domain.PaymentRequest, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode create payment request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/create_payment", nil, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out domain.PaymentRequest
	if err := c.do(httpReq, &out); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return &out, nil
}

// Verify submits a transaction signature for wallet. A successful reply
// without a token is returned as-is.
func (c *Client) Verify(ctx context.Context, txSignature, wallet string) (*Verification, error) {
	q := url.Values{}
	q.Set("tx_signature", txSignature)
	q.Set("wallet_address", wallet)

	httpReq, err := c.newRequest(ctx, http.MethodGet, "/verify_dev", q, nil)
	if err != nil {
		return nil, err
	}

	var out Verification
	if err := c.do(httpReq, &out); err != nil {
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	return &out, nil
}

// UploadDocument streams r as the multipart field "file" under filename.
func (c *Client) UploadDocument(ctx context.Context, token, filename string, r io.Reader) (*UploadResult, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: upload document: %w", errdefs.ErrUnauthenticated, errEmptyToken)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/upload_document", nil, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+token)

	var out UploadResult
	if err := c.do(httpReq, &out); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("upload document: %w", err)
	}
	return &out, nil
}

// Health checks that the service answers /health.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	if err := c.do(httpReq, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// EventsURL returns the live-event stream URL for an agent.
func (c *Client) EventsURL(agentID, description string) string {
	q := url.Values{}
	q.Set("agentId", agentID)
	q.Set("agentDescription", description)
	return c.endpoint("/sse", q)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", errdefs.ErrUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close rental service response", "error", closeErr)
		}
	}()

	c.logger.Debug("Rental service request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", req.Header.Get(RequestIDHeader),
		"elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// statusError converts a non-2xx reply into an errdefs-classified error that
// carries the service's detail message.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := detailMessage(raw)
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%w: rental service returned %d: %s", errhttp.ToNative(resp.StatusCode), resp.StatusCode, detail)
}

func detailMessage(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(raw))
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	return string(body.Detail)
}
