// Package planner turns a free-text brief into a structured project plan by
// calling the remote decomposition model through the credential-hiding relay.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentrelay/internal/domain"
)

const defaultTimeout = 60 * time.Second

// Request carries the caller-supplied parameters of one decomposition run.
type Request struct {
	Brief        string
	Budget       float64
	CompanyName  string
	ClientWallet string
}

// Generator produces a plan from a brief. The call is synchronous and may
// suspend the caller for the duration of the model round-trip.
type Generator interface {
	Generate(ctx context.Context, req Request) (*domain.ProjectPlan, error)
}

// GenerationError covers transport failures and structurally invalid or
// incomplete replies from the decomposition model.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan generation: %s: %v", e.Reason, e.Err)
	}
	return "plan generation: " + e.Reason
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Client sends decomposition requests to a relay endpoint speaking the
// upstream generateContent wire format.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// generateContent wire shapes (request and reply).

type contentPart struct {
	Text string `json:"text"`
}

type content struct {
	Parts []contentPart `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// wirePlan mirrors the reply schema. Pointer fields distinguish absent from
// zero so required-field checks are exact.
type wirePlan struct {
	ProjectName     *string    `json:"projectName"`
	CompanyName     string     `json:"companyName"`
	ClientWallet    string     `json:"clientWallet"`
	TotalBudget     *float64   `json:"totalBudget"`
	EstimatedMargin *float64   `json:"estimatedMargin"`
	RemainingBudget *float64   `json:"remainingBudget"`
	Tasks           []wireTask `json:"tasks"`
}

type wireTask struct {
	ID            *string  `json:"id"`
	Name          *string  `json:"name"`
	Description   *string  `json:"description"`
	AgentType     *string  `json:"agentType"`
	CostMNEE      *float64 `json:"costMNEE"`
	Status        *string  `json:"status"`
	RevisionCount *int     `json:"revisionCount"`
}

// Generate sends the decomposition instruction and parses the reply into a
// ProjectPlan. Caller-supplied company, wallet and budget override whatever
// the model claims, and every task is forced to pending with zero revisions:
// model-supplied lifecycle fields are untrusted.
func (c *Client) Generate(ctx context.Context, req Request) (*domain.ProjectPlan, error) {
	payload, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []contentPart{{Text: buildInstruction(req)}}}},
	})
	if err != nil {
		return nil, &GenerationError{Reason: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &GenerationError{Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &GenerationError{Reason: "relay call failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &GenerationError{Reason: fmt.Sprintf("relay status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &GenerationError{Reason: "decode relay response", Err: err}
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return nil, &GenerationError{Reason: "reply has no candidates"}
	}

	raw := StripFences(decoded.Candidates[0].Content.Parts[0].Text)
	return ParsePlan([]byte(raw), req)
}

// StripFences removes markdown code-fence markers the model may wrap the
// JSON reply in.
func StripFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// ParsePlan validates the structured reply and overlays the caller-supplied
// fields. Exported so tests and alternative transports share the contract.
func ParsePlan(raw []byte, req Request) (*domain.ProjectPlan, error) {
	var wire wirePlan
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &GenerationError{Reason: "reply is not valid JSON", Err: err}
	}
	if wire.ProjectName == nil || strings.TrimSpace(*wire.ProjectName) == "" {
		return nil, &GenerationError{Reason: "reply missing projectName"}
	}
	if wire.TotalBudget == nil {
		return nil, &GenerationError{Reason: "reply missing totalBudget"}
	}
	if wire.EstimatedMargin == nil {
		return nil, &GenerationError{Reason: "reply missing estimatedMargin"}
	}
	if len(wire.Tasks) == 0 {
		return nil, &GenerationError{Reason: "reply has no tasks"}
	}

	plan := &domain.ProjectPlan{
		ProjectName:     *wire.ProjectName,
		CompanyName:     req.CompanyName,
		ClientWallet:    req.ClientWallet,
		TotalBudget:     domain.RoundMNEE(req.Budget),
		EstimatedMargin: domain.RoundMNEE(*wire.EstimatedMargin),
		RemainingBudget: domain.RoundMNEE(req.Budget),
		Tasks:           make([]domain.SubTask, 0, len(wire.Tasks)),
	}
	for i, t := range wire.Tasks {
		if t.ID == nil || t.Name == nil || t.Description == nil || t.AgentType == nil ||
			t.CostMNEE == nil || t.Status == nil || t.RevisionCount == nil {
			return nil, &GenerationError{Reason: fmt.Sprintf("task %d missing required fields", i)}
		}
		plan.Tasks = append(plan.Tasks, domain.SubTask{
			ID:          *t.ID,
			Name:        *t.Name,
			Description: *t.Description,
			AgentType:   *t.AgentType,
			CostMNEE:    domain.RoundMNEE(*t.CostMNEE),
			// Model-seeded status and revisionCount are ignored.
			Status:        domain.StatusPending,
			RevisionCount: 0,
		})
	}
	return plan, nil
}

func buildInstruction(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Act as a project manager. Decompose this mission: %q.\n", req.Brief)
	fmt.Fprintf(&b, "Budget: %.2f MNEE (6 decimals). Company: %q. Wallet: %s.\n", req.Budget, req.CompanyName, req.ClientWallet)
	b.WriteString("Split the mission into 3-5 sub-tasks for specialized providers; ")
	b.WriteString("total task costs must stay 15% below the budget (relay margin).\n")
	b.WriteString("Return ONLY a JSON object with fields: projectName, companyName, clientWallet, ")
	b.WriteString("totalBudget, estimatedMargin, remainingBudget, and tasks (an array of objects ")
	b.WriteString("with id, name, description, agentType, costMNEE, status='pending', revisionCount=0).")
	return b.String()
}
