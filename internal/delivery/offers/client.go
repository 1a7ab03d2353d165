// Package offers is the HTTP client for the confectioned offers backend.
package offers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/solarcrm/reconciler/internal/delivery/ledger"
	"github.com/solarcrm/reconciler/internal/platform/httpx"
)

const offersPath = "/ofertas/confeccion"

// maxBody bounds how much of a response is read.
const maxBody = 8 << 20

// ErrUpstream is returned when the backend answers a read with an unexpected status.
var ErrUpstream = fmt.Errorf("offers backend error: %w", httpx.ErrUpstream)

// WriteError is a write attempt the backend rejected or that never reached it.
type WriteError struct {
	Method string
	Status int
	// Message is the backend's own explanation, empty when none was given.
	Message string
	Err     error
}

func (e *WriteError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s offer: %v", e.Method, e.Err)
	default:
		return fmt.Sprintf("%s offer: status %d", e.Method, e.Status)
	}
}

func (e *WriteError) Unwrap() error { return e.Err }

// Config configures the client.
type Config struct {
	// APIRoot is the backend API root, e.g. https://crm.example.com/api.
	APIRoot string
	Token   string
	Timeout time.Duration
	// RatePerSecond paces outbound calls; zero disables pacing.
	RatePerSecond float64
	// IndexEndpoint is tried before the built-in delivery index candidates.
	IndexEndpoint string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client talks to the offers backend.
type Client struct {
	root       string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	indexPaths []string
	logger     *slog.Logger
}

// NewClient creates a client for the offers backend.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond)))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		root:       strings.TrimRight(cfg.APIRoot, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		limiter:    limiter,
		indexPaths: indexCandidates(cfg.IndexEndpoint),
		logger:     logger,
	}
}

// OffersByLead returns the offers attached to a lead. A lead without
// offers yields an empty slice.
func (c *Client) OffersByLead(ctx context.Context, leadID string) ([]ledger.Offer, error) {
	return c.lookup(ctx, offersPath+"/lead/"+url.PathEscape(strings.TrimSpace(leadID)))
}

// OffersByClient returns the offers attached to a client, looked up by
// the normalized client number.
func (c *Client) OffersByClient(ctx context.Context, clientNumber string) ([]ledger.Offer, error) {
	number := ledger.NormalizeLookup(clientNumber)
	if number == "" {
		return nil, nil
	}
	return c.lookup(ctx, offersPath+"/cliente/"+url.PathEscape(number))
}

func (c *Client) lookup(ctx context.Context, path string) ([]ledger.Offer, error) {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	switch {
	case status == http.StatusNotFound:
		c.logger.DebugContext(ctx, "no offers found", slog.String("path", path))
		return nil, nil
	case status < 200 || status > 299:
		c.logger.WarnContext(ctx, "offer lookup failed", slog.String("path", path), slog.Int("status", status))
		return nil, fmt.Errorf("%w: get %s: status %d", ErrUpstream, path, status)
	}
	offers, err := DecodeOffers(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return offers, nil
}

// ReplaceOffer writes the full offer with PUT.
func (c *Client) ReplaceOffer(ctx context.Context, offer ledger.Offer) error {
	return c.write(ctx, http.MethodPut, offer.ID, offer)
}

// PatchOffer writes the full offer with PATCH.
func (c *Client) PatchOffer(ctx context.Context, offer ledger.Offer) error {
	return c.write(ctx, http.MethodPatch, offer.ID, offer)
}

// PatchOfferItems writes only the item list with PATCH.
func (c *Client) PatchOfferItems(ctx context.Context, offerID string, items []ledger.Item) error {
	if items == nil {
		items = []ledger.Item{}
	}
	return c.write(ctx, http.MethodPatch, offerID, map[string]any{"items": items})
}

func (c *Client) write(ctx context.Context, method, offerID string, payload any) error {
	if strings.TrimSpace(offerID) == "" {
		return &WriteError{Method: method, Err: errors.New("offer has no id")}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &WriteError{Method: method, Err: fmt.Errorf("encode payload: %w", err)}
	}
	path := offersPath + "/" + url.PathEscape(offerID)
	status, body, err := c.do(ctx, method, path, data)
	if err != nil {
		return &WriteError{Method: method, Err: err}
	}
	ok, message := writeOutcome(status, body)
	if !ok {
		return &WriteError{Method: method, Status: status, Message: message}
	}
	return nil
}

// writeOutcome treats a 2xx answer as success unless the body says
// "success": false.
func writeOutcome(status int, body []byte) (bool, string) {
	var envelope struct {
		Success *bool           `json:"success"`
		Message json.RawMessage `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	_ = json.Unmarshal(body, &envelope)
	message := messageText(envelope.Message)
	if message == "" {
		message = messageText(envelope.Detail)
	}
	if status < 200 || status > 299 {
		return false, message
	}
	if envelope.Success != nil && !*envelope.Success {
		return false, message
	}
	return true, message
}

// messageText flattens backend messages, which are sometimes strings and
// sometimes validation structures.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, el := range list {
			if el.Msg != "" {
				parts = append(parts, el.Msg)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return string(raw)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limit: %w", err)
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.root+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "offers request failed", slog.String("method", method), slog.String("path", path), slog.Any("error", err))
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.DebugContext(ctx, "offers request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)
	return resp.StatusCode, data, nil
}
