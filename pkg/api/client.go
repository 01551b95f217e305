package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskforge/taskforge/pkg/engine"
)

// Client talks to a running server. Used by the CLI commands.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the given base URL, e.g. http://localhost:8080.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitResponse is the acceptance acknowledgement for a new task.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Submit sends a task spec and returns the acceptance acknowledgement.
func (c *Client) Submit(ctx context.Context, spec engine.TaskSpec) (*SubmitResponse, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*engine.Task, error) {
	var out engine.Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks fetches a task page with optional filters.
func (c *Client) ListTasks(ctx context.Context, filter engine.ListFilter, page engine.Page) (*TaskPage, error) {
	return c.listTasks(ctx, filter, page, false)
}

// ListArchivedTasks fetches a task page from the server's SQLite archive
// instead of the in-memory registry.
func (c *Client) ListArchivedTasks(ctx context.Context, filter engine.ListFilter, page engine.Page) (*TaskPage, error) {
	return c.listTasks(ctx, filter, page, true)
}

func (c *Client) listTasks(ctx context.Context, filter engine.ListFilter, page engine.Page, archived bool) (*TaskPage, error) {
	q := url.Values{}
	if archived {
		q.Set("archived", "true")
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Type != "" {
		q.Set("task_type", filter.Type)
	}
	if filter.AgentID != "" {
		q.Set("agent_id", filter.AgentID)
	}
	if page.Number > 0 {
		q.Set("page", fmt.Sprint(page.Number))
	}
	if page.PerPage > 0 {
		q.Set("per_page", fmt.Sprint(page.PerPage))
	}

	path := "/api/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out TaskPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskPage is one page of a task listing.
type TaskPage struct {
	Tasks   []*engine.Task `json:"tasks"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
}

// TaskHistory fetches a task's archived transition events.
func (c *Client) TaskHistory(ctx context.Context, id string) ([]*engine.TaskEvent, error) {
	var out struct {
		TaskID string              `json:"task_id"`
		Events []*engine.TaskEvent `json:"events"`
	}
	path := "/api/v1/tasks/" + url.PathEscape(id) + "/history"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Cancel requests cancellation of a task.
func (c *Client) Cancel(ctx context.Context, id string) (*engine.Task, error) {
	var out engine.Task
	if err := c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agents fetches the agent roster with live status.
func (c *Client) Agents(ctx context.Context) ([]engine.Agent, error) {
	var out struct {
		Agents []engine.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// WatchTask streams a task's progress events, invoking fn per event. It
// returns when the task reaches a terminal state, the server closes the
// stream, or the context ends.
func (c *Client) WatchTask(ctx context.Context, id string, fn func(engine.TaskEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/v1/tasks/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream has no fixed duration; rely on the context instead of the
	// client timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event != "task_update" {
				continue
			}
			var ev engine.TaskEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			fn(ev)
			if ev.Status.IsTerminal() {
				return nil
			}
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("%s: %s", body.Error.Code, body.Error.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
