package engine

import (
	"strings"

	"agentrelay/internal/domain"
)

// ResolveProvider picks the provider for a sub-task: the first directory
// entry, in directory order, whose category name appears case-insensitively
// inside the task's agentType. No scoring and no load balancing; the empty
// result means manual review.
func ResolveProvider(task domain.SubTask, providers []domain.ServiceProvider) (domain.ServiceProvider, bool) {
	agentType := strings.ToLower(task.AgentType)
	for _, p := range providers {
		if strings.Contains(agentType, strings.ToLower(string(p.Category))) {
			return p, true
		}
	}
	return domain.ServiceProvider{}, false
}
