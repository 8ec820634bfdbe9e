// Package escrowsdk is a minimal Go client for the Escrowline HTTP API.
package escrowsdk

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
)

// Client talks to an Escrowline server. Authentication is either a
// bearer JWT or, for local servers started with --allow-actor-header,
// a plain actor id.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User is the API user model.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	Balance   string `json:"balance"`
	CreatedAt string `json:"created_at"`
}

// Milestone is the API milestone model.
type Milestone struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	Position     int    `json:"position"`
	Description  string `json:"description"`
	Amount       string `json:"amount"`
	Deadline     string `json:"deadline"`
	Status       string `json:"status"`
	PayoutStatus string `json:"payout_status"`
}

// Order is the API order model.
type Order struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	CustomerIDs      []string    `json:"customer_ids"`
	RepresentativeID string      `json:"representative_id"`
	ContractorID     *string     `json:"contractor_id,omitempty"`
	Status           string      `json:"status"`
	TotalAmount      string      `json:"total_amount"`
	FundedAmount     string      `json:"funded_amount"`
	Milestones       []Milestone `json:"milestones,omitempty"`
}

// MilestoneSpec describes one milestone on order creation.
type MilestoneSpec struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Deadline    string `json:"deadline"`
}

// Signature is one act signature.
type Signature struct {
	UserID   string `json:"user_id"`
	SignedAt string `json:"signed_at"`
}

// Act is the API acceptance act model.
type Act struct {
	ID              string      `json:"id"`
	OrderID         string      `json:"order_id"`
	MilestoneID     string      `json:"milestone_id"`
	Name            string      `json:"name"`
	Status          string      `json:"status"`
	DeliverableIDs  []string    `json:"deliverable_ids,omitempty"`
	Signatures      []Signature `json:"signatures,omitempty"`
	RejectionReason *string     `json:"rejection_reason,omitempty"`
	AutoSignAt      *string     `json:"auto_sign_at,omitempty"`
}

// Document is the API document model.
type Document struct {
	ID          string   `json:"id"`
	OrderID     string   `json:"order_id"`
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Content     string   `json:"content,omitempty"`
	PhaseID     *string  `json:"phase_id,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ApprovedBy  []string `json:"approved_by,omitempty"`
}

// Event is one journal entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrderID    string `json:"order_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses. The server answers with a
// {code, message, details} envelope; Code and Message carry it when
// the body parses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateUser creates a user.
func (c *Client) CreateUser(ctx context.Context, id, name, role string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "v0/users", map[string]any{"id": id, "name": name, "role": role}, &resp)
	return resp, err
}

// GetUser fetches a user.
func (c *Client) GetUser(ctx context.Context, id string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "v0/users/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Deposit credits the user's balance.
func (c *Client) Deposit(ctx context.Context, userID, amount string) (User, error) {
	var resp User
	endpoint := fmt.Sprintf("v0/users/%s/deposit", url.PathEscape(userID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Withdraw debits the user's balance.
func (c *Client) Withdraw(ctx context.Context, userID, amount string) (User, error) {
	var resp User
	endpoint := fmt.Sprintf("v0/users/%s/withdraw", url.PathEscape(userID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"amount": amount}, &resp)
	return resp, err
}

// CreateOrder creates an order; more than one customer makes it a
// group order.
func (c *Client) CreateOrder(ctx context.Context, title string, customerIDs []string, milestones []MilestoneSpec) (Order, error) {
	body := map[string]any{
		"title":        title,
		"customer_ids": customerIDs,
		"milestones":   milestones,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "v0/orders", body, &resp)
	return resp, err
}

// GetOrder fetches an order with its milestones.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, "v0/orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Fund moves funds from the caller's balance into the order's escrow.
func (c *Client) Fund(ctx context.Context, orderID, amount string) (Order, error) {
	var resp Order
	endpoint := fmt.Sprintf("v0/orders/%s/fund", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"amount": amount}, &resp)
	return resp, err
}

// AssignContractor sets the executing contractor.
func (c *Client) AssignContractor(ctx context.Context, orderID, contractorID string) (Order, error) {
	var resp Order
	endpoint := fmt.Sprintf("v0/orders/%s/contractor", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"contractor_id": contractorID}, &resp)
	return resp, err
}

// Vote casts the caller's representative ballot on a group order.
func (c *Client) Vote(ctx context.Context, orderID, candidateID string) (bool, string, error) {
	var resp struct {
		Changed          bool   `json:"changed"`
		RepresentativeID string `json:"representative_id"`
	}
	endpoint := fmt.Sprintf("v0/orders/%s/votes", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"candidate_id": candidateID}, &resp)
	return resp.Changed, resp.RepresentativeID, err
}

// CancelOrder cancels an order and refunds remaining escrow.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) (Order, error) {
	var resp Order
	endpoint := fmt.Sprintf("v0/orders/%s/cancel", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// UpdateMilestoneStatus moves a milestone through its lifecycle.
func (c *Client) UpdateMilestoneStatus(ctx context.Context, orderID, milestoneID, status string) (Milestone, error) {
	var resp Milestone
	endpoint := fmt.Sprintf("v0/orders/%s/milestones/%s/status", url.PathEscape(orderID), url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// CreateDocument attaches a document to an order.
func (c *Client) CreateDocument(ctx context.Context, orderID, kind, name, content string) (Document, error) {
	body := map[string]any{"kind": kind, "name": name, "content": content}
	var resp Document
	endpoint := fmt.Sprintf("v0/orders/%s/documents", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ApproveDocument records the caller's approval.
func (c *Client) ApproveDocument(ctx context.Context, docID string) (Document, error) {
	var resp Document
	endpoint := fmt.Sprintf("v0/documents/%s/approve", url.PathEscape(docID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GenerateAct creates an acceptance act for a milestone.
func (c *Client) GenerateAct(ctx context.Context, orderID, milestoneID, name string, deliverableIDs []string) (Act, error) {
	body := map[string]any{
		"milestone_id":    milestoneID,
		"name":            name,
		"deliverable_ids": deliverableIDs,
	}
	var resp Act
	endpoint := fmt.Sprintf("v0/orders/%s/acts", url.PathEscape(orderID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SignAct signs an act as the caller.
func (c *Client) SignAct(ctx context.Context, actID string) (Act, error) {
	var resp Act
	endpoint := fmt.Sprintf("v0/acts/%s/sign", url.PathEscape(actID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RejectAct rejects an act with a reason.
func (c *Client) RejectAct(ctx context.Context, actID, reason string) (Act, error) {
	var resp Act
	endpoint := fmt.Sprintf("v0/acts/%s/reject", url.PathEscape(actID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// PendingPayouts lists milestones waiting on settlement reconciliation.
func (c *Client) PendingPayouts(ctx context.Context) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, "v0/settlements/pending", nil, &resp)
	return resp, err
}

// RetrySettlement retries a pending payout.
func (c *Client) RetrySettlement(ctx context.Context, orderID, milestoneID string) (Milestone, error) {
	var resp Milestone
	endpoint := fmt.Sprintf("v0/orders/%s/milestones/%s/settle", url.PathEscape(orderID), url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent journal entries, optionally scoped to an
// order.
func (c *Client) Events(ctx context.Context, limit int, orderID string) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if orderID != "" {
		q.Set("order_id", orderID)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
