// Package exchange provides a client for the remote swap exchange: quotes,
// order announcement, signed submission and status polling.
package exchange

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

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
	"golang.org/x/time/rate"
)

// Client is the request/response surface of the exchange
type Client interface {
	Quote(ctx context.Context, params QuoteParams) (*Quote, error)
	AnnounceOrder(ctx context.Context, quote *Quote, params QuoteParams) (*Order, error)
	SubmitOrder(ctx context.Context, order *Order, signature []byte) (*SubmitResult, error)
	PollStatus(ctx context.Context, orderHash string) (*StatusResult, error)
}

// HTTPClient talks to the exchange REST API
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logger.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an exchange client allowing requestsPerSecond calls
// (burst of the same size). A non-positive rate disables limiting.
func NewHTTPClient(endpoint, apiKey string, requestsPerSecond float64, logger logger.Logger) *HTTPClient {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: createHTTPClient(),
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

type announceRequest struct {
	QuoteID string      `json:"quote_id"`
	Params  QuoteParams `json:"params"`
}

type submitRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Quote requests a price quote for the swap
func (c *HTTPClient) Quote(ctx context.Context, params QuoteParams) (*Quote, error) {
	var quote Quote
	if err := c.doJSON(ctx, http.MethodPost, "/v1/quote", params, &quote); err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	if quote.ID == "" {
		return nil, fmt.Errorf("failed to get quote: empty quote id")
	}
	return &quote, nil
}

// AnnounceOrder creates an order referencing the quote
func (c *HTTPClient) AnnounceOrder(ctx context.Context, quote *Quote, params QuoteParams) (*Order, error) {
	var order Order
	req := announceRequest{QuoteID: quote.ID, Params: params}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/orders", req, &order); err != nil {
		return nil, fmt.Errorf("failed to announce order: %w", err)
	}
	if order.Hash == "" || len(order.Payload) == 0 {
		return nil, fmt.Errorf("failed to announce order: incomplete order in response")
	}
	if order.QuoteID == "" {
		order.QuoteID = quote.ID
	}
	return &order, nil
}

// SubmitOrder submits the signed order to start the auction
func (c *HTTPClient) SubmitOrder(ctx context.Context, order *Order, signature []byte) (*SubmitResult, error) {
	var result SubmitResult
	req := submitRequest{
		Payload:   order.Payload,
		Signature: hexutil.Encode(signature),
	}
	path := "/v1/orders/" + url.PathEscape(order.Hash) + "/submit"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, fmt.Errorf("failed to submit order %s: %w", order.Hash, err)
	}
	if result.OrderHash == "" {
		result.OrderHash = order.Hash
	}
	return &result, nil
}

// PollStatus fetches the current status of a submitted order
func (c *HTTPClient) PollStatus(ctx context.Context, orderHash string) (*StatusResult, error) {
	var status StatusResult
	path := "/v1/orders/" + url.PathEscape(orderHash) + "/status"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, fmt.Errorf("failed to poll order %s: %w", orderHash, err)
	}
	return &status, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	// Read the response body regardless of status code
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteError{Status: resp.StatusCode, Message: remoteMessage(bodyBytes)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}
	return nil
}

// remoteMessage extracts {"error": "..."} or {"message": "..."} from an error body
func remoteMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
