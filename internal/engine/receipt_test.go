package engine_test

import (
	"strings"
	"testing"
	"time"

	"agentrelay/internal/engine"
)

func TestReceiptFilename(t *testing.T) {
	got := engine.ReceiptFilename("Launch  Campaign\tQ3")
	if got != "MNEE_Receipt_Launch_Campaign_Q3.txt" {
		t.Errorf("filename = %q", got)
	}
}

func TestBuildReceiptRoundTripsFinancials(t *testing.T) {
	plan := twoTaskPlan()
	content := engine.BuildReceipt(plan, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), "")

	for _, want := range []string{
		"Project: Launch Campaign",
		"Total Budget:     100.00 MNEE",
		"Relay Margin:     15.00 MNEE",
		"Net Deployment:   85.00 MNEE",
		"- Technical Audit (Technical Audit): 40.00 MNEE [Status: pending]",
		"- Design Mockups (Design Mockups): 45.00 MNEE [Status: pending]",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("receipt missing %q\n%s", want, content)
		}
	}
}

func TestReceiptProofVerifies(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	if _, err := env.Engine.RunPipeline(env.Ctx, engine.RunOptions{Brief: "launch", Budget: 100}); err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	content, filename, err := env.Engine.Receipt()
	if err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	if filename != "MNEE_Receipt_Launch_Campaign.txt" {
		t.Errorf("filename = %q", filename)
	}

	var proof string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "Proof Token: ") {
			proof = strings.TrimPrefix(line, "Proof Token: ")
		}
	}
	if proof == "" {
		t.Fatal("receipt carries no proof token")
	}
	claims, err := env.Engine.VerifyReceiptProof(proof)
	if err != nil {
		t.Fatalf("VerifyReceiptProof: %v", err)
	}
	if claims["sub"] != "Launch Campaign" {
		t.Errorf("sub = %v", claims["sub"])
	}
	if got, _ := claims["total"].(float64); got != 100 {
		t.Errorf("total = %v, want 100", got)
	}
}

func TestReceiptWithoutPlan(t *testing.T) {
	env := newTestEnv(t, stubPlanner{plan: twoTaskPlan()})
	if _, _, err := env.Engine.Receipt(); err == nil {
		t.Fatal("Receipt without a plan succeeded")
	}
}
