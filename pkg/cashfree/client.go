/**
 * @description
 * This package provides a client for the Cashfree Payouts API used for domestic
 * INR settlement. It handles bearer-token authorization, direct transfers keyed by
 * a caller-supplied transfer id, and transfer status lookups.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, sync, time: Standard Go libraries.
 * - github.com/shopspring/decimal: exact transfer amounts.
 */
package cashfree

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
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a client for the Cashfree Payouts API.
type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new Cashfree Payouts client.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for a direct transfer.
type TransferRequest struct {
	BeneID       string          `json:"beneId"`
	Amount       decimal.Decimal `json:"amount"`
	TransferID   string          `json:"transferId"`
	TransferMode string          `json:"transferMode,omitempty"`
	Remarks      string          `json:"remarks,omitempty"`
}

// TransferResponse is returned by the direct transfer endpoint.
type TransferResponse struct {
	Status  string `json:"status"`
	SubCode string `json:"subCode"`
	Message string `json:"message"`
	Data    struct {
		ReferenceID  string `json:"referenceId"`
		UTR          string `json:"utr"`
		Acknowledged int    `json:"acknowledged"`
	} `json:"data"`
}

// TransferStatusResponse is returned by the transfer status endpoint.
type TransferStatusResponse struct {
	Status  string `json:"status"`
	SubCode string `json:"subCode"`
	Message string `json:"message"`
	Data    struct {
		Transfer struct {
			TransferID  string `json:"transferId"`
			ReferenceID string `json:"referenceId"`
			Status      string `json:"status"`
			Reason      string `json:"reason"`
		} `json:"transfer"`
	} `json:"data"`
}

type authorizeResponse struct {
	Status  string `json:"status"`
	SubCode string `json:"subCode"`
	Message string `json:"message"`
	Data    struct {
		Token  string `json:"token"`
		Expiry int64  `json:"expiry"`
	} `json:"data"`
}

// APIError is a non-success answer from Cashfree. StatusCode is the HTTP status,
// or the numeric subCode when Cashfree reports an error inside a 200 response.
type APIError struct {
	StatusCode int
	SubCode    string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cashfree api error: status=%d subCode=%s message=%s", e.StatusCode, e.SubCode, e.Message)
}

// IsConflict reports whether err is Cashfree's duplicate transfer id answer.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsUnauthorized reports whether Cashfree refused the credentials or the bearer token.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsNotFound reports whether err means the transfer id is unknown to Cashfree.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// RequestTransfer submits a direct transfer. Cashfree rejects a reused transferId
// with a 409, which makes the call safe to repeat.
func (c *Client) RequestTransfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	var resp TransferResponse
	err := c.withFreshToken(func() error {
		resp = TransferResponse{}
		if err := c.do(ctx, http.MethodPost, "/payout/v1/directTransfer", req, &resp); err != nil {
			return err
		}
		return checkEnvelope(resp.Status, resp.SubCode, resp.Message)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTransferStatus looks a transfer up by the caller's transfer id.
func (c *Client) GetTransferStatus(ctx context.Context, transferID string) (*TransferStatusResponse, error) {
	var resp TransferStatusResponse
	path := "/payout/v1/getTransferStatus?transferId=" + url.QueryEscape(transferID)
	err := c.withFreshToken(func() error {
		resp = TransferStatusResponse{}
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		return checkEnvelope(resp.Status, resp.SubCode, resp.Message)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// withFreshToken runs call once more with a newly authorized token when Cashfree
// rejects the cached one. A rejected token means the request was not processed, and
// transfer ids are idempotent, so the repeat is safe.
func (c *Client) withFreshToken(call func() error) error {
	err := call()
	if !IsUnauthorized(err) {
		return err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return call()
}

func (c *Client) authorize(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/payout/v1/authorize", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create authorize request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Id", c.ClientID)
	req.Header.Set("X-Client-Secret", c.ClientSecret)

	var resp authorizeResponse
	if err := c.send(req, &resp); err != nil {
		return "", err
	}
	if err := checkEnvelope(resp.Status, resp.SubCode, resp.Message); err != nil {
		return "", err
	}
	if resp.Data.Token == "" {
		return "", &APIError{StatusCode: http.StatusUnauthorized, SubCode: resp.SubCode, Message: "empty token"}
	}

	c.token = resp.Data.Token
	c.tokenExpiry = time.Unix(resp.Data.Expiry, 0)
	if resp.Data.Expiry == 0 {
		c.tokenExpiry = time.Now().Add(5 * time.Minute)
	}
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	token, err := c.authorize(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal cashfree request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create cashfree request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute cashfree request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read cashfree response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			SubCode string `json:"subCode"`
			Message string `json:"message"`
		}
		if json.Unmarshal(bodyBytes, &envelope) == nil {
			apiErr.SubCode = envelope.SubCode
			apiErr.Message = envelope.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode cashfree response: %w", err)
	}
	return nil
}

func checkEnvelope(status, subCode, message string) error {
	if strings.EqualFold(status, "ERROR") {
		code, err := strconv.Atoi(subCode)
		if err != nil {
			code = http.StatusBadRequest
		}
		return &APIError{StatusCode: code, SubCode: subCode, Message: message}
	}
	return nil
}
