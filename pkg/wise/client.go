/**
 * @description
 * This package provides a client for the Wise Platform API used for cross-border
 * settlement. It fetches live conversion rates and creates transfers carrying a
 * customerTransactionId so repeated submissions resolve to the same transfer.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: exact amounts and rates.
 */
package wise

import (
	"bytes"
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

	"github.com/shopspring/decimal"
)

// Transfer statuses reported by Wise.
const (
	StatusIncomingPaymentWaiting = "incoming_payment_waiting"
	StatusProcessing             = "processing"
	StatusFundsConverted         = "funds_converted"
	StatusOutgoingPaymentSent    = "outgoing_payment_sent"
	StatusCancelled              = "cancelled"
	StatusFundsRefunded          = "funds_refunded"
	StatusBouncedBack            = "bounced_back"
	StatusChargedBack            = "charged_back"
)

// Client is a client for the Wise API.
type Client struct {
	BaseURL    string
	APIKey     string
	ProfileID  string
	HTTPClient *http.Client
}

// NewClient creates a new Wise API client.
func NewClient(baseURL, apiKey, profileID string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		ProfileID: profileID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Rate is one entry of the rates endpoint.
type Rate struct {
	Rate   decimal.Decimal `json:"rate"`
	Source string          `json:"source"`
	Target string          `json:"target"`
	Time   string          `json:"time"`
}

// CreateTransferRequest is the payload for creating a transfer.
type CreateTransferRequest struct {
	Profile               string          `json:"profile,omitempty"`
	TargetAccount         string          `json:"targetAccount"`
	SourceCurrency        string          `json:"sourceCurrency"`
	TargetCurrency        string          `json:"targetCurrency"`
	SourceAmount          decimal.Decimal `json:"sourceAmount"`
	CustomerTransactionID string          `json:"customerTransactionId"`
	Details               struct {
		Reference string `json:"reference,omitempty"`
	} `json:"details"`
}

// Transfer is Wise's representation of a transfer.
type Transfer struct {
	ID                    int64           `json:"id"`
	Status                string          `json:"status"`
	SourceCurrency        string          `json:"sourceCurrency"`
	SourceValue           decimal.Decimal `json:"sourceValue"`
	TargetCurrency        string          `json:"targetCurrency"`
	TargetValue           decimal.Decimal `json:"targetValue"`
	Rate                  decimal.Decimal `json:"rate"`
	CustomerTransactionID string          `json:"customerTransactionId"`
}

// ErrorResponse represents an error body from the Wise API.
type ErrorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// APIError is a non-2xx answer from Wise.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wise api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("wise api error: status=%d", e.StatusCode)
}

// ErrTransferNotListed means no listed transfer carries the customerTransactionId.
// The transfers listing is not an authoritative lookup, so this does not prove Wise
// never received the transfer.
var ErrTransferNotListed = errors.New("wise transfer not listed")

// Quote returns the current mid-market rate from one currency to another.
func (c *Client) Quote(ctx context.Context, fromCurrency, toCurrency string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("source", strings.ToUpper(fromCurrency))
	q.Set("target", strings.ToUpper(toCurrency))

	var rates []Rate
	if err := c.do(ctx, http.MethodGet, "/v1/rates?"+q.Encode(), nil, &rates); err != nil {
		return decimal.Zero, err
	}
	if len(rates) == 0 || !rates[0].Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("wise returned no usable rate for %s->%s", fromCurrency, toCurrency)
	}
	return rates[0].Rate, nil
}

// CreateTransfer submits a transfer. Wise deduplicates on CustomerTransactionID.
func (c *Client) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error) {
	if req.Profile == "" {
		req.Profile = c.ProfileID
	}
	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", req, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

const (
	transfersPageSize = 100
	transfersMaxPages = 20
)

// FindTransfer pages through the profile's transfers looking for customerTransactionID.
// It returns ErrTransferNotListed when no page contains it.
func (c *Client) FindTransfer(ctx context.Context, customerTransactionID string) (*Transfer, error) {
	for page := 0; page < transfersMaxPages; page++ {
		q := url.Values{}
		q.Set("profile", c.ProfileID)
		q.Set("customerTransactionId", customerTransactionID)
		q.Set("limit", strconv.Itoa(transfersPageSize))
		q.Set("offset", strconv.Itoa(page*transfersPageSize))

		var transfers []Transfer
		if err := c.do(ctx, http.MethodGet, "/v1/transfers?"+q.Encode(), nil, &transfers); err != nil {
			return nil, err
		}
		for i := range transfers {
			if transfers[i].CustomerTransactionID == customerTransactionID {
				return &transfers[i], nil
			}
		}
		if len(transfers) < transfersPageSize {
			break
		}
	}
	return nil, ErrTransferNotListed
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal wise request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create wise request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute wise request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read wise response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp ErrorResponse
		if json.Unmarshal(bodyBytes, &errResp) == nil && len(errResp.Errors) > 0 {
			apiErr.Code = errResp.Errors[0].Code
			apiErr.Message = errResp.Errors[0].Message
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode wise response: %w", err)
	}
	return nil
}
