// Package pharmacy is the client for the external pharmacy order-submission
// API. It is only ever called after the local order transaction has
// committed; a failure here marks the durable order as errored and is
// reported to the caller as recoverable.
package pharmacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OrderPayload is the structured clinical order sent to the pharmacy network.
type OrderPayload struct {
	MessageID string    `json:"messageId"`
	Patient   Person    `json:"patient"`
	Provider  Person    `json:"provider"`
	Rx        []RxEntry `json:"rx"`
}

type Person struct {
	ID        string `json:"id,omitempty"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	DOB       string `json:"dob,omitempty"`
	Gender    string `json:"gender,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type RxEntry struct {
	DrugName     string `json:"drugName"`
	Strength     string `json:"strength,omitempty"`
	Quantity     int    `json:"quantity"`
	DaysSupply   int    `json:"daysSupply,omitempty"`
	Refills      int    `json:"refills"`
	Instructions string `json:"directions,omitempty"`
}

// SubmitResult is the pharmacy's acknowledgement of an accepted order.
type SubmitResult struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Raw     json.RawMessage `json:"-"`
}

// Client submits orders to the pharmacy network.
type Client interface {
	SubmitOrder(ctx context.Context, payload *OrderPayload) (*SubmitResult, error)
}

// HTTPClient talks to the pharmacy API over HTTPS with a deliberate timeout
// shorter than the enclosing request budget.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) SubmitOrder(ctx context.Context, payload *OrderPayload) (*SubmitResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit order %s: %w", payload.MessageID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read pharmacy response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pharmacy rejected order %s: status %d: %s",
			payload.MessageID, resp.StatusCode, string(raw))
	}

	result := &SubmitResult{Raw: raw}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, fmt.Errorf("decode pharmacy response: %w", err)
	}
	if result.OrderID == "" {
		return nil, fmt.Errorf("pharmacy response missing order id: %s", string(raw))
	}
	return result, nil
}
