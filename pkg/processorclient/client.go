/**
 * @description
 * This package provides a client for interacting with the payment processor's
 * connected-account API. It encapsulates the logic for making authenticated HTTP
 * requests to the processor's transfer and balance endpoints, handling request
 * body construction, and parsing responses.
 *
 * Transfer creation always carries an Idempotency-Key header: the processor
 * guarantees that a retried call with the same key returns the original result
 * instead of creating a second real-money transfer.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package processorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment processor API client with a bounded timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateTransferRequest is the payload for creating a connected-account transfer.
type CreateTransferRequest struct {
	DestinationAccountID string            `json:"destination_account_id"`
	Amount               int64             `json:"amount"` // in minor currency units
	Currency             string            `json:"currency"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// TransferResponse is the processor's view of a single transfer.
type TransferResponse struct {
	ID                   string            `json:"id"`
	Status               string            `json:"status"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	DestinationAccountID string            `json:"destination_account_id"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

// BalanceResponse reports the platform account's balance on the processor side.
type BalanceResponse struct {
	Available int64  `json:"available"` // in minor currency units
	Pending   int64  `json:"pending"`   // in minor currency units
	Currency  string `json:"currency"`
}

type listTransfersResponse struct {
	Data []TransferResponse `json:"data"`
}

// ErrorResponse represents an error returned by the processor API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("processor api error: %s - %s (status %d)", e.Code, e.Message, e.StatusCode)
}

// IsRetryable reports whether the failure is transient (timeout, rate limit,
// processor-side fault) as opposed to a business rejection such as an invalid
// destination account, insufficient platform balance, or a compliance block.
func (e *ErrorResponse) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// IsRetryableError classifies any error coming out of this client. Network
// failures and timeouts are ambiguous: the transfer may or may not exist on the
// processor side, which is exactly what the idempotency key protects against.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	// Transport-level failures (connection reset, DNS, client timeout) never
	// carry a processor verdict, so they are treated as retryable.
	return true
}

// CreateTransfer asks the processor to move funds to a connected account. The
// idempotency key must be stable across retries of the same logical transfer.
func (c *Client) CreateTransfer(ctx context.Context, destinationAccountID string, amount int64, currency, idempotencyKey string, metadata map[string]string) (*TransferResponse, error) {
	payload := CreateTransferRequest{
		DestinationAccountID: destinationAccountID,
		Amount:               amount,
		Currency:             currency,
		Metadata:             metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	var transfer TransferResponse
	if err := c.do(req, "create_transfer", &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// GetBalance fetches the platform account's balance from the processor.
func (c *Client) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/v1/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance request: %w", err)
	}

	var balance BalanceResponse
	if err := c.do(req, "get_balance", &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// GetTransfer fetches a single transfer by its processor id.
func (c *Client) GetTransfer(ctx context.Context, transferID string) (*TransferResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/v1/transfers/"+url.PathEscape(transferID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer lookup request: %w", err)
	}

	var transfer TransferResponse
	if err := c.do(req, "get_transfer", &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// ListTransfers returns transfers created since the given time, optionally
// restricted to one destination account. Used by reconciliation.
func (c *Client) ListTransfers(ctx context.Context, since time.Time, destinationAccountID string) ([]TransferResponse, error) {
	query := url.Values{}
	query.Set("since", since.UTC().Format(time.RFC3339))
	if destinationAccountID != "" {
		query.Set("destination_account_id", destinationAccountID)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/v1/transfers?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer list request: %w", err)
	}

	var list listTransfersResponse
	if err := c.do(req, "list_transfers", &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// do executes a prepared request, decoding either the success body or the
// processor's error envelope into a typed ErrorResponse.
func (c *Client) do(req *http.Request, op string, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=processor_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			errResp.Code = "unparsable_error"
			errResp.Message = fmt.Sprintf("status %d", resp.StatusCode)
		} else {
			log.Printf("level=warn component=processor_client op=%s status=%d code=%q message=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		}
		return &errResp
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}
