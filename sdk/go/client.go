// Package stagelinesdk is a small client for the Stageline HTTP API and a
// notification poller built on it.
package stagelinesdk

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

	"stageline/internal/domain"
	"stageline/internal/engine/notify"
	"stageline/internal/engine/stages"
)

const defaultBasePath = "/v0"

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no other credential is set. The
	// server only honours it when legacy actor headers are enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project is a project with its derived position.
type Project struct {
	domain.Project
	Current    stages.Position   `json:"current"`
	OpenStages []domain.StageKey `json:"open_stages"`
}

// CompleteResult is the outcome of a stage completion.
type CompleteResult struct {
	Project       Project               `json:"project"`
	Notifications []domain.Notification `json:"notifications"`
}

type ScheduleResult struct {
	Project  Project  `json:"project"`
	Warnings []string `json:"warnings,omitempty"`
}

// NotificationList is the caller's pending notifications together with the
// projects they point at.
type NotificationList struct {
	Items    []domain.Notification `json:"items"`
	Projects map[string]Project    `json:"projects"`
}

// DomainProjects returns the projects keyed by id in the form the selection
// policy expects.
func (l NotificationList) DomainProjects() map[string]domain.Project {
	out := make(map[string]domain.Project, len(l.Projects))
	for id, p := range l.Projects {
		out[id] = p.Project
	}
	return out
}

// NextNotification is the single notification the server would surface.
type NextNotification struct {
	Notification *domain.Notification `json:"notification,omitempty"`
	Project      *Project             `json:"project,omitempty"`
	StaleCount   int                  `json:"stale_count"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents is a page of the event log.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Workflow is the server's workflow shape.
type Workflow struct {
	ManagerRole          string            `json:"manager_role"`
	SecondWarehouseCycle bool              `json:"second_warehouse_cycle"`
	RequireIntegration   bool              `json:"require_integration"`
	RequireFiles         bool              `json:"require_files"`
	Flow                 []domain.StageKey `json:"flow"`
	GatingRoles          map[string]string `json:"gating_roles"`
	PollIntervalMS       int64             `json:"poll_interval_ms"`
	DeadlineWarningDays  int               `json:"deadline_warning_days"`
}

// Graph returns the stage graph of this workflow.
func (w Workflow) Graph() stages.Graph {
	return stages.Graph{
		SecondCycle:        w.SecondWarehouseCycle,
		RequireIntegration: w.RequireIntegration,
		RequireFiles:       w.RequireFiles,
	}
}

// Policy returns the notification policy matching the server's.
func (w Workflow) Policy() notify.Policy {
	return notify.PolicyFor(w.Graph(), w.ManagerRole, func(k domain.StageKey) string {
		return w.GatingRoles[string(k)]
	})
}

// PollInterval is the configured interval, or DefaultPollInterval.
func (w Workflow) PollInterval() time.Duration {
	if w.PollIntervalMS <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// WhoAmI describes the authenticated caller.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles"`
	Source      string   `json:"source"`
}

type CreateProjectInput struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Priority     string `json:"priority,omitempty"`
	Description  string `json:"description,omitempty"`
	DurationDays *int   `json:"duration_days,omitempty"`
}

// ProjectFilter narrows ListProjects. Zero fields are not sent.
type ProjectFilter struct {
	Status    string
	Stage     string
	Role      string
	CreatedBy string
	Limit     int
}

// NotificationOptions narrows Notifications.
type NotificationOptions struct {
	IncludeRead  bool
	IncludeStale bool
	ProjectID    string
}

// EventFilter narrows Events. Zero fields are not sent.
type EventFilter struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     string
}

// APIError wraps non-2xx responses. Code and Details come from the error
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
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the server, either a lost
// race or an unmet stage precondition.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) Me(ctx context.Context) (*WhoAmI, error) {
	var out WhoAmI
	if err := c.do(ctx, http.MethodGet, "/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Workflow(ctx context.Context) (*Workflow, error) {
	var out Workflow
	if err := c.do(ctx, http.MethodGet, "/workflow", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DevLogin exchanges an actor id for a short-lived token and stores it on
// the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/dev/login", map[string]string{"actor_id": actorID}, &out); err != nil {
		return "", err
	}
	c.BearerToken = out.Token
	return out.Token, nil
}

func (c *Client) CreateProject(ctx context.Context, in CreateProjectInput) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodPost, "/projects", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListProjects(ctx context.Context, f ProjectFilter) ([]Project, error) {
	q := url.Values{}
	setIf(q, "status", f.Status)
	setIf(q, "stage", f.Stage)
	setIf(q, "role", f.Role)
	setIf(q, "created_by", f.CreatedBy)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out struct {
		Items []Project `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery("/projects", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, projectPath(projectID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApproveProject(ctx context.Context, projectID string) (*Project, error) {
	return c.projectMutation(ctx, http.MethodPost, projectID, "/approve", nil)
}

// SetSchedule stores allotted days per role. Warnings are returned when the
// allotments exceed the project duration and the server only warns.
func (c *Client) SetSchedule(ctx context.Context, projectID string, allotments map[string]int) (*ScheduleResult, error) {
	var out ScheduleResult
	body := map[string]any{"allotments": allotments}
	if err := c.do(ctx, http.MethodPut, projectPath(projectID)+"/schedule", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLeader names the primary leader of role; an empty actorID clears it.
func (c *Client) SetLeader(ctx context.Context, projectID, role, actorID string) (*Project, error) {
	return c.projectMutation(ctx, http.MethodPut, projectID, "/leaders", map[string]string{"role": role, "actor_id": actorID})
}

func (c *Client) SetSummary(ctx context.Context, projectID, summary string) (*Project, error) {
	return c.projectMutation(ctx, http.MethodPut, projectID, "/summary", map[string]string{"summary": summary})
}

func (c *Client) ArchiveProject(ctx context.Context, projectID, summary string) (*CompleteResult, error) {
	var out CompleteResult
	body := map[string]string{"summary": summary}
	if err := c.do(ctx, http.MethodPost, projectPath(projectID)+"/archive", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) projectMutation(ctx context.Context, method, projectID, suffix string, body any) (*Project, error) {
	var out Project
	if err := c.do(ctx, method, projectPath(projectID)+suffix, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CompleteStage(ctx context.Context, projectID string, stage domain.StageKey) (*CompleteResult, error) {
	var out CompleteResult
	endpoint := projectPath(projectID) + "/stages/" + url.PathEscape(string(stage)) + "/complete"
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Deadlines(ctx context.Context, projectID string) ([]stages.Deadline, error) {
	var out struct {
		Items []stages.Deadline `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, projectPath(projectID)+"/deadlines", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) AttachFile(ctx context.Context, projectID string, stage domain.StageKey, filename string) (*domain.File, error) {
	var out domain.File
	body := map[string]string{"stage": string(stage), "filename": filename}
	if err := c.do(ctx, http.MethodPost, projectPath(projectID)+"/files", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListFiles(ctx context.Context, projectID string, stage domain.StageKey) ([]domain.File, error) {
	q := url.Values{}
	setIf(q, "stage", string(stage))
	var out struct {
		Items []domain.File `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery(projectPath(projectID)+"/files", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) AddTeamUpload(ctx context.Context, projectID string, stage domain.StageKey, files []string) (*domain.TeamUpload, error) {
	var out domain.TeamUpload
	body := map[string]any{"stage": stage, "files": files}
	if err := c.do(ctx, http.MethodPost, projectPath(projectID)+"/uploads", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) IntegrateUpload(ctx context.Context, projectID, uploadID string) (*domain.TeamUpload, error) {
	var out domain.TeamUpload
	endpoint := projectPath(projectID) + "/uploads/" + url.PathEscape(uploadID) + "/integrate"
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Notifications(ctx context.Context, opts NotificationOptions) (*NotificationList, error) {
	q := url.Values{}
	if opts.IncludeRead {
		q.Set("unread", "false")
	}
	if opts.IncludeStale {
		q.Set("include_stale", "true")
	}
	setIf(q, "project_id", opts.ProjectID)
	var out NotificationList
	if err := c.do(ctx, http.MethodGet, withQuery("/notifications", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NextNotification asks the server for the notification to surface,
// skipping the given suppressed project ids.
func (c *Client) NextNotification(ctx context.Context, suppress ...string) (*NextNotification, error) {
	q := url.Values{}
	for _, id := range suppress {
		q.Add("suppress", id)
	}
	var out NextNotification
	if err := c.do(ctx, http.MethodGet, withQuery("/notifications/next", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, notificationID string) (*domain.Notification, error) {
	var out domain.Notification
	endpoint := "/notifications/" + url.PathEscape(notificationID) + "/read"
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Events(ctx context.Context, f EventFilter) (*PaginatedEvents, error) {
	q := url.Values{}
	setIf(q, "project_id", f.ProjectID)
	setIf(q, "type", f.Type)
	setIf(q, "entity_kind", f.EntityKind)
	setIf(q, "entity_id", f.EntityID)
	setIf(q, "cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out PaginatedEvents
	if err := c.do(ctx, http.MethodGet, withQuery("/events", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		return newAPIError(res.StatusCode, b)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, defaultBasePath) {
		base += defaultBasePath
	}
	return base
}

func projectPath(projectID string) string {
	return "/projects/" + url.PathEscape(projectID)
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
