package civicflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Civicflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Report represents the API report model.
type Report struct {
	ID                  int64      `json:"id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	Status              string     `json:"status"`
	SubStatus           string     `json:"sub_status,omitempty"`
	CurrentDepartmentID int64      `json:"current_department_id"`
	ResolutionNotes     string     `json:"resolution_notes,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
	CreatedByUserID     int64      `json:"created_by_user_id"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Assignment struct {
	ID                    int64      `json:"id"`
	ReportID              int64      `json:"report_id"`
	AssigneeType          string     `json:"assignee_type"`
	AssigneeID            int64      `json:"assignee_id"`
	Status                string     `json:"status"`
	AssignedByUserID      int64      `json:"assigned_by_user_id"`
	Notes                 string     `json:"notes,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
	ProofMediaIDs         []int64    `json:"proof_media_ids,omitempty"`
	AssignedAt            time.Time  `json:"assigned_at"`
	AcceptedAt            *time.Time `json:"accepted_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// ReportView is a report plus what the caller may do with it.
type ReportView struct {
	Report           Report      `json:"report"`
	ActiveAssignment *Assignment `json:"active_assignment,omitempty"`
	Operations       []string    `json:"operations"`
}

type StatusChange struct {
	ID                int64     `json:"id"`
	ReportID          int64     `json:"report_id"`
	PreviousStatus    string    `json:"previous_status,omitempty"`
	PreviousSubStatus string    `json:"previous_sub_status,omitempty"`
	NewStatus         string    `json:"new_status"`
	NewSubStatus      string    `json:"new_sub_status,omitempty"`
	ChangedByUserID   int64     `json:"changed_by_user_id"`
	Notes             string    `json:"notes,omitempty"`
	ChangedAt         time.Time `json:"changed_at"`
}

type DepartmentChange struct {
	ID              int64     `json:"id"`
	ReportID        int64     `json:"report_id"`
	OldDepartmentID int64     `json:"old_department_id"`
	NewDepartmentID int64     `json:"new_department_id"`
	Reason          string    `json:"reason"`
	ChangedByUserID int64     `json:"changed_by_user_id"`
	ChangedAt       time.Time `json:"changed_at"`
}

// ReportPage wraps list responses with a cursor.
type ReportPage struct {
	Items       []Report `json:"items"`
	NextAfterID int64    `json:"next_after_id"`
}

type ListOptions struct {
	Status       string
	DepartmentID int64
	Limit        int
	AfterID      int64
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateReport files a report in a department.
func (c *Client) CreateReport(ctx context.Context, title, description string, departmentID int64) (Report, error) {
	body := map[string]any{
		"title":         title,
		"description":   description,
		"department_id": departmentID,
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports", body, &resp)
	return resp, err
}

func (c *Client) GetReport(ctx context.Context, id int64) (ReportView, error) {
	var resp ReportView
	err := c.do(ctx, http.MethodGet, reportPath(id, ""), nil, &resp)
	return resp, err
}

// ListReports returns one page of reports visible to the caller.
func (c *Client) ListReports(ctx context.Context, opts ListOptions) (ReportPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.DepartmentID > 0 {
		q.Set("department_id", strconv.FormatInt(opts.DepartmentID, 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.AfterID > 0 {
		q.Set("after_id", strconv.FormatInt(opts.AfterID, 10))
	}
	endpoint := "reports"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ReportPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Review(ctx context.Context, id int64, notes string) (Report, error) {
	return c.reportOp(ctx, id, "review", map[string]any{"notes": notes})
}

func (c *Client) AssignToTeam(ctx context.Context, id, teamID int64, notes string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, reportPath(id, "assignments/team"), map[string]any{"team_id": teamID, "notes": notes}, &resp)
	return resp, err
}

func (c *Client) AssignToUser(ctx context.Context, id, userID int64, notes string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, reportPath(id, "assignments/user"), map[string]any{"user_id": userID, "notes": notes}, &resp)
	return resp, err
}

// Accept starts work on the active assignment. eta may be nil.
func (c *Client) Accept(ctx context.Context, id int64, notes string, eta *time.Time) (Report, error) {
	body := map[string]any{"notes": notes}
	if eta != nil {
		body["estimated_completion_at"] = eta.UTC().Format(time.RFC3339)
	}
	return c.reportOp(ctx, id, "accept", body)
}

func (c *Client) Complete(ctx context.Context, id int64, resolutionNotes string, proofMediaIDs []int64) (Report, error) {
	return c.reportOp(ctx, id, "complete", map[string]any{
		"resolution_notes": resolutionNotes,
		"proof_media_ids":  proofMediaIDs,
	})
}

func (c *Client) Approve(ctx context.Context, id int64, notes string) (Report, error) {
	return c.reportOp(ctx, id, "approve", map[string]any{"notes": notes})
}

func (c *Client) RejectCompletion(ctx context.Context, id int64, reason string) (Report, error) {
	return c.reportOp(ctx, id, "reject-completion", map[string]any{"reason": reason})
}

func (c *Client) CancelAssignment(ctx context.Context, id int64) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, reportPath(id, "assignments/cancel"), nil, &resp)
	return resp, err
}

func (c *Client) Forward(ctx context.Context, id, departmentID int64, reason string) (Report, error) {
	return c.reportOp(ctx, id, "forward", map[string]any{"department_id": departmentID, "reason": reason})
}

func (c *Client) Reject(ctx context.Context, id int64, reason string) (Report, error) {
	return c.reportOp(ctx, id, "reject", map[string]any{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, id int64, reason string) (Report, error) {
	return c.reportOp(ctx, id, "cancel", map[string]any{"reason": reason})
}

func (c *Client) Assignments(ctx context.Context, id int64) ([]Assignment, error) {
	var resp []Assignment
	err := c.do(ctx, http.MethodGet, reportPath(id, "assignments"), nil, &resp)
	return resp, err
}

func (c *Client) StatusHistory(ctx context.Context, id int64) ([]StatusChange, error) {
	var resp []StatusChange
	err := c.do(ctx, http.MethodGet, reportPath(id, "history/status"), nil, &resp)
	return resp, err
}

func (c *Client) DepartmentHistory(ctx context.Context, id int64) ([]DepartmentChange, error) {
	var resp []DepartmentChange
	err := c.do(ctx, http.MethodGet, reportPath(id, "history/department"), nil, &resp)
	return resp, err
}

func (c *Client) reportOp(ctx context.Context, id int64, op string, body any) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, reportPath(id, op), body, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func reportPath(id int64, op string) string {
	p := fmt.Sprintf("reports/%d", id)
	if op != "" {
		p += "/" + op
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
