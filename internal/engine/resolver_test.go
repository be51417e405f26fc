package engine_test

import (
	"testing"

	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
)

func TestResolveProviderFirstMatchWins(t *testing.T) {
	providers := []domain.ServiceProvider{
		{ID: "p1", Name: "First Tech", Category: domain.CategoryTech},
		{ID: "p2", Name: "Second Tech", Category: domain.CategoryTech},
		{ID: "p3", Name: "Researchers", Category: domain.CategoryResearch},
	}
	task := domain.SubTask{AgentType: "Technical Audit"}

	for i := 0; i < 5; i++ {
		got, ok := engine.ResolveProvider(task, providers)
		if !ok || got.ID != "p1" {
			t.Fatalf("resolve #%d = %v/%v, want p1 deterministically", i, got.ID, ok)
		}
	}
}

func TestResolveProviderCaseInsensitive(t *testing.T) {
	providers := []domain.ServiceProvider{
		{ID: "p1", Category: domain.CategoryDesign},
	}
	got, ok := engine.ResolveProvider(domain.SubTask{AgentType: "UI DESIGN specialist"}, providers)
	if !ok || got.ID != "p1" {
		t.Fatalf("resolve = %v/%v, want p1", got.ID, ok)
	}
}

func TestResolveProviderNoMatch(t *testing.T) {
	providers := []domain.ServiceProvider{
		{ID: "p1", Category: domain.CategoryTech},
	}
	if _, ok := engine.ResolveProvider(domain.SubTask{AgentType: "Design Mockups"}, providers); ok {
		t.Fatal("resolved a Design task against a Tech-only directory")
	}
}
