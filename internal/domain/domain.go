package domain

import "strings"

// Status is the lifecycle state of a sub-task.
type Status string

const (
	StatusPending       Status = "pending"
	StatusProcessing    Status = "processing"
	StatusReviewPending Status = "review_pending"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusReassigning   Status = "reassigning"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReviewPending, StatusCompleted, StatusFailed, StatusReassigning:
		return true
	}
	return false
}

// Category classifies a service provider by skill.
type Category string

const (
	CategoryTech      Category = "Tech"
	CategoryResearch  Category = "Research"
	CategoryContent   Category = "Content"
	CategoryMarketing Category = "Marketing"
	CategoryDesign    Category = "Design"
)

// Categories returns the canonical category set in display order.
func Categories() []Category {
	return []Category{CategoryTech, CategoryResearch, CategoryContent, CategoryMarketing, CategoryDesign}
}

// ParseCategory resolves a case-insensitive category name.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories() {
		if strings.EqualFold(s, string(c)) {
			return c, true
		}
	}
	return "", false
}

// FileMetadata describes a deliverable attached to a sub-task.
type FileMetadata struct {
	Type      string `json:"type"`
	Extension string `json:"extension"`
	Size      string `json:"size"`
}

// SubTask is one unit of decomposed work, owned by exactly one ProjectPlan.
type SubTask struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	AgentType          string        `json:"agentType"`
	CostMNEE           float64       `json:"costMNEE"`
	Status             Status        `json:"status" enum:"pending,processing,review_pending,completed,failed,reassigning"`
	AssignedProviderID string        `json:"assignedProviderId,omitempty"`
	RevisionCount      int           `json:"revisionCount"`
	TxHash             string        `json:"txHash,omitempty"`
	FileMetadata       *FileMetadata `json:"fileMetadata,omitempty"`
}

// ProjectPlan is the structured decomposition of a brief into priced
// sub-tasks. Amounts are MNEE with 6-decimal precision.
type ProjectPlan struct {
	ProjectName     string    `json:"projectName"`
	CompanyName     string    `json:"companyName"`
	ClientWallet    string    `json:"clientWallet"`
	TotalBudget     float64   `json:"totalBudget"`
	EstimatedMargin float64   `json:"estimatedMargin"`
	RemainingBudget float64   `json:"remainingBudget"`
	Tasks           []SubTask `json:"tasks"`
}

// Task returns the sub-task with the given id, or nil.
func (p *ProjectPlan) Task(id string) *SubTask {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (p *ProjectPlan) Clone() *ProjectPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tasks = make([]SubTask, len(p.Tasks))
	copy(cp.Tasks, p.Tasks)
	for i := range cp.Tasks {
		if fm := cp.Tasks[i].FileMetadata; fm != nil {
			dup := *fm
			cp.Tasks[i].FileMetadata = &dup
		}
	}
	return &cp
}

// ServiceProvider is a directory entry representing a specialized contractor.
// Wallet format is not checked here.
type ServiceProvider struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Wallet      string   `json:"wallet"`
	Category    Category `json:"category" enum:"Tech,Research,Content,Marketing,Design"`
	Description string   `json:"description,omitempty"`
}

// LogType classifies execution log entries.
type LogType string

const (
	LogInfo       LogType = "info"
	LogSuccess    LogType = "success"
	LogWarning    LogType = "warning"
	LogError      LogType = "error"
	LogBlockchain LogType = "blockchain"
)

// LogEntry is one immutable execution log line. Seq increases monotonically
// for the life of the process and survives the feed cap, so consumers can
// cursor past entries they have already seen.
type LogEntry struct {
	Seq       int64   `json:"seq"`
	Timestamp string  `json:"timestamp" format:"date-time"`
	Message   string  `json:"message"`
	Type      LogType `json:"type" enum:"info,success,warning,error,blockchain"`
}

// RoundMNEE rounds an amount to MNEE precision (6 decimals).
func RoundMNEE(v float64) float64 {
	const scale = 1e6
	if v < 0 {
		return float64(int64(v*scale-0.5)) / scale
	}
	return float64(int64(v*scale+0.5)) / scale
}
