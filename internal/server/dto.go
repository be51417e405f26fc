package server

import (
	"agentrelay/internal/domain"
	"agentrelay/internal/wallet"
)

// Request payloads

type RunPipelineRequest struct {
	Brief        string   `json:"brief"`
	Budget       *float64 `json:"budget,omitempty"`
	CompanyName  string   `json:"companyName,omitempty"`
	ClientWallet string   `json:"clientWallet,omitempty"`
}

type DeliverableRequest struct {
	Type      string `json:"type"`
	Extension string `json:"extension"`
	Size      string `json:"size,omitempty"`
}

type FailTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ProviderRequest struct {
	Name        string `json:"name"`
	Wallet      string `json:"wallet"`
	Category    string `json:"category" enum:"Tech,Research,Content,Marketing,Design"`
	Description string `json:"description,omitempty"`
}

// Response payloads

type PlanResponse struct {
	Plan domain.ProjectPlan `json:"plan"`
}

type TaskResponse struct {
	Task domain.SubTask `json:"task"`
}

type LogResponse struct {
	Entries []domain.LogEntry `json:"entries"`
}

type ProvidersResponse struct {
	Providers []domain.ServiceProvider `json:"providers"`
}

type WalletResponse struct {
	Account wallet.Account `json:"account"`
}

type BalanceResponse struct {
	Address string  `json:"address"`
	Balance float64 `json:"balance"`
}

func toProvider(req ProviderRequest) domain.ServiceProvider {
	return domain.ServiceProvider{
		Name:        req.Name,
		Wallet:      req.Wallet,
		Category:    domain.Category(req.Category),
		Description: req.Description,
	}
}
