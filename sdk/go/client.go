// Package agentrelaysdk is a minimal HTTP client for the agentrelay API.
package agentrelaysdk

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

// Client is a minimal agentrelay HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

// FileMetadata describes a deliverable attached to a sub-task.
type FileMetadata struct {
	Type      string `json:"type"`
	Extension string `json:"extension"`
	Size      string `json:"size,omitempty"`
}

// SubTask represents the API sub-task model.
type SubTask struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	AgentType          string        `json:"agentType"`
	CostMNEE           float64       `json:"costMNEE"`
	Status             string        `json:"status"`
	AssignedProviderID string        `json:"assignedProviderId,omitempty"`
	RevisionCount      int           `json:"revisionCount"`
	TxHash             string        `json:"txHash,omitempty"`
	FileMetadata       *FileMetadata `json:"fileMetadata,omitempty"`
}

// ProjectPlan represents the API plan model.
type ProjectPlan struct {
	ProjectName     string    `json:"projectName"`
	CompanyName     string    `json:"companyName"`
	ClientWallet    string    `json:"clientWallet"`
	TotalBudget     float64   `json:"totalBudget"`
	EstimatedMargin float64   `json:"estimatedMargin"`
	RemainingBudget float64   `json:"remainingBudget"`
	Tasks           []SubTask `json:"tasks"`
}

// Provider represents a directory entry.
type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Wallet      string `json:"wallet"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// LogEntry is one execution log line.
type LogEntry struct {
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

// WalletAccount is the connected relay wallet.
type WalletAccount struct {
	Address string  `json:"address"`
	Balance float64 `json:"balance"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type planEnvelope struct {
	Plan ProjectPlan `json:"plan"`
}

type taskEnvelope struct {
	Task SubTask `json:"task"`
}

// RunPipeline starts an orchestration run and blocks until resolution
// finishes. Use a generous context deadline; runs include settling delays.
func (c *Client) RunPipeline(ctx context.Context, brief string, budget float64, companyName, clientWallet string) (ProjectPlan, error) {
	body := map[string]any{
		"brief":        brief,
		"companyName":  companyName,
		"clientWallet": clientWallet,
	}
	if budget > 0 {
		body["budget"] = budget
	}
	var resp planEnvelope
	err := c.do(ctx, http.MethodPost, "v0/pipeline/run", body, &resp)
	return resp.Plan, err
}

// Plan fetches the active project plan.
func (c *Client) Plan(ctx context.Context) (ProjectPlan, error) {
	var resp planEnvelope
	err := c.do(ctx, http.MethodGet, "v0/plan", nil, &resp)
	return resp.Plan, err
}

// ApproveTask releases payment for a reviewed sub-task.
func (c *Client) ApproveTask(ctx context.Context, taskID string) (SubTask, error) {
	var resp taskEnvelope
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "approve"), nil, &resp)
	return resp.Task, err
}

// RejectTask requests a revision and reassigns the sub-task.
func (c *Client) RejectTask(ctx context.Context, taskID string) (SubTask, error) {
	var resp taskEnvelope
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "reject"), nil, &resp)
	return resp.Task, err
}

// SubmitDeliverable attaches a deliverable and moves the sub-task to review.
func (c *Client) SubmitDeliverable(ctx context.Context, taskID string, meta FileMetadata) (SubTask, error) {
	var resp taskEnvelope
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "deliverable"), meta, &resp)
	return resp.Task, err
}

// FailTask marks a sub-task as unrecoverable.
func (c *Client) FailTask(ctx context.Context, taskID, reason string) (SubTask, error) {
	var resp taskEnvelope
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "fail"), map[string]string{"reason": reason}, &resp)
	return resp.Task, err
}

// Log fetches execution log entries. With after > 0 only entries past that
// cursor are returned, oldest first; otherwise the full feed, newest first.
func (c *Client) Log(ctx context.Context, after int64) ([]LogEntry, error) {
	endpoint := "v0/log"
	if after > 0 {
		endpoint += fmt.Sprintf("?after=%d", after)
	}
	var resp struct {
		Entries []LogEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Entries, err
}

// Providers lists the directory in directory order.
func (c *Client) Providers(ctx context.Context) ([]Provider, error) {
	var resp struct {
		Providers []Provider `json:"providers"`
	}
	err := c.do(ctx, http.MethodGet, "v0/providers", nil, &resp)
	return resp.Providers, err
}

// AddProvider onboards a provider.
func (c *Client) AddProvider(ctx context.Context, p Provider) (Provider, error) {
	var resp Provider
	err := c.do(ctx, http.MethodPost, "v0/providers", p, &resp)
	return resp, err
}

// RemoveProvider deletes a provider.
func (c *Client) RemoveProvider(ctx context.Context, providerID string) error {
	return c.do(ctx, http.MethodDelete, "v0/providers/"+url.PathEscape(providerID), nil, nil)
}

// ConnectWallet connects the relay wallet.
func (c *Client) ConnectWallet(ctx context.Context) (WalletAccount, error) {
	var resp struct {
		Account WalletAccount `json:"account"`
	}
	err := c.do(ctx, http.MethodPost, "v0/wallet/connect", nil, &resp)
	return resp.Account, err
}

// Receipt downloads the plain-text payment receipt and its file name.
func (c *Client) Receipt(ctx context.Context) (string, string, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/v0/receipt", nil)
	if err != nil {
		return "", "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode >= 300 {
		return "", "", &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	filename := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if i := strings.Index(cd, `filename="`); i >= 0 {
			filename = strings.TrimSuffix(cd[i+len(`filename="`):], `"`)
		}
	}
	return string(data), filename, nil
}

func (c *Client) taskPath(taskID, action string) string {
	return fmt.Sprintf("v0/tasks/%s/%s", url.PathEscape(taskID), action)
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
