package orderlinesdk

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

// Client is a minimal Orderline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
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

// WorkOrder represents the API work-order model.
type WorkOrder struct {
	OrderID       string  `json:"order_id"`
	OrderType     string  `json:"order_type"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	EquipmentID   string  `json:"equipment_id,omitempty"`
	ShipID        string  `json:"ship_id,omitempty"`
	RelatedPlanID string  `json:"related_plan_id,omitempty"`
	Status        string  `json:"status"`
	CreateTime    string  `json:"create_time"`
	AssignTime    *string `json:"assign_time,omitempty"`
	ActualEndTime *string `json:"actual_end_time,omitempty"`
	CreatorID     string  `json:"creator_id"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	AcceptorID    *string `json:"acceptor_id,omitempty"`
}

// SpareConsumption represents one spare-part usage row.
type SpareConsumption struct {
	ConsumeID   string `json:"consume_id"`
	OrderID     string `json:"order_id"`
	SpareID     string `json:"spare_id"`
	Quantity    int    `json:"quantity"`
	ConsumeTime string `json:"consume_time"`
	OperatorID  string `json:"operator_id"`
}

// LogRecord represents an audit entry.
type LogRecord struct {
	LogID         string `json:"log_id"`
	OrderID       string `json:"order_id"`
	OperationType string `json:"operation_type"`
	Content       string `json:"content"`
	OperatorID    string `json:"operator_id"`
	OperateTime   string `json:"operate_time"`
}

// SpareLine is one requested consumption.
type SpareLine struct {
	SpareID  string `json:"spare_id"`
	Quantity int    `json:"quantity"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a bearer token and stores it on the
// client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "v0/auth/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateOrder creates a work order.
func (c *Client) CreateOrder(ctx context.Context, orderType, title string, spares []SpareLine) (WorkOrder, error) {
	body := map[string]any{
		"order_type": orderType,
		"title":      title,
	}
	if len(spares) > 0 {
		body["spares"] = spares
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/orders", body, &resp)
	return resp, err
}

// Orders lists visible work orders, optionally filtered by a title
// substring.
func (c *Client) Orders(ctx context.Context, search string) ([]WorkOrder, error) {
	endpoint := "v0/orders"
	if search != "" {
		endpoint += "?q=" + url.QueryEscape(search)
	}
	var resp []WorkOrder
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MyTasks lists orders assigned to the authenticated user.
func (c *Client) MyTasks(ctx context.Context) ([]WorkOrder, error) {
	var resp []WorkOrder
	err := c.do(ctx, http.MethodGet, "v0/orders/mine", nil, &resp)
	return resp, err
}

// Order fetches one work order.
func (c *Client) Order(ctx context.Context, orderID string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, "v0/orders/"+url.PathEscape(orderID), nil, &resp)
	return resp, err
}

// Assign attaches assignee/acceptor to an unassigned order.
func (c *Client) Assign(ctx context.Context, orderID, assigneeID, acceptorID string) (WorkOrder, error) {
	body := map[string]string{}
	if assigneeID != "" {
		body["assignee_id"] = assigneeID
	}
	if acceptorID != "" {
		body["acceptor_id"] = acceptorID
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/orders/"+url.PathEscape(orderID)+"/assign", body, &resp)
	return resp, err
}

// Complete marks an in-progress order as awaiting acceptance.
func (c *Client) Complete(ctx context.Context, orderID string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/orders/"+url.PathEscape(orderID)+"/complete", nil, &resp)
	return resp, err
}

// Accept closes a pending-acceptance order.
func (c *Client) Accept(ctx context.Context, orderID string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "v0/orders/"+url.PathEscape(orderID)+"/accept", nil, &resp)
	return resp, err
}

// RecordSpares appends consumption rows to an order.
func (c *Client) RecordSpares(ctx context.Context, orderID string, spares []SpareLine) ([]SpareConsumption, error) {
	body := map[string]any{"spares": spares}
	var resp []SpareConsumption
	err := c.do(ctx, http.MethodPost, "v0/orders/"+url.PathEscape(orderID)+"/spares", body, &resp)
	return resp, err
}

// OrderLogs returns the audit entries for one order.
func (c *Client) OrderLogs(ctx context.Context, orderID string) ([]LogRecord, error) {
	var resp []LogRecord
	err := c.do(ctx, http.MethodGet, "v0/orders/"+url.PathEscape(orderID)+"/logs", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
