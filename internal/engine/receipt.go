package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentrelay/internal/domain"
	"agentrelay/internal/wallet"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// ReceiptFilename derives the download name from the project name, with
// whitespace collapsed to underscores.
func ReceiptFilename(projectName string) string {
	return "MNEE_Receipt_" + whitespaceRun.ReplaceAllString(projectName, "_") + ".txt"
}

// Receipt renders the plain-text payment receipt for the active plan,
// including a signed proof token derived from the plan's financial summary.
func (e *Engine) Receipt() (string, string, error) {
	plan := e.Plan()
	if plan == nil {
		return "", "", ErrNoPlan
	}
	proof, err := e.receiptProof(plan)
	if err != nil {
		return "", "", err
	}
	content := BuildReceipt(plan, e.now(), proof)
	e.Log.Append(fmt.Sprintf("Financial receipt generated for %s", plan.ProjectName), domain.LogSuccess)
	return content, ReceiptFilename(plan.ProjectName), nil
}

// receiptProof signs the plan's financial summary so a receipt can be
// checked against tampering after export.
func (e *Engine) receiptProof(plan *domain.ProjectPlan) (string, error) {
	secret := e.Config.Engine.ReceiptSecret
	if secret == "" {
		return "", errors.New("receipt secret not configured")
	}
	now := e.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":       "agentrelay",
		"sub":       plan.ProjectName,
		"iat":       now.Unix(),
		"total":     plan.TotalBudget,
		"margin":    plan.EstimatedMargin,
		"remaining": plan.RemainingBudget,
	})
	return token.SignedString([]byte(secret))
}

// VerifyReceiptProof checks a proof token against the configured secret and
// returns its claims.
func (e *Engine) VerifyReceiptProof(proof string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(e.Config.Engine.ReceiptSecret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// BuildReceipt formats the receipt document for a plan snapshot.
func BuildReceipt(plan *domain.ProjectPlan, now time.Time, proof string) string {
	var b strings.Builder
	line := strings.Repeat("=", 41)
	rule := strings.Repeat("-", 41)

	b.WriteString(line + "\n")
	b.WriteString("      MNEE AGENT-RELAY RECEIPT\n")
	b.WriteString(line + "\n")
	fmt.Fprintf(&b, "Project: %s\n", plan.ProjectName)
	fmt.Fprintf(&b, "Client Entity: %s\n", plan.CompanyName)
	fmt.Fprintf(&b, "Client Wallet: %s\n", plan.ClientWallet)
	fmt.Fprintf(&b, "Date: %s\n", now.UTC().Format(time.RFC1123))
	b.WriteString(rule + "\n")
	b.WriteString("EXPENDITURE BREAKDOWN:\n")
	for _, t := range plan.Tasks {
		fmt.Fprintf(&b, "- %s (%s): %.2f MNEE [Status: %s]\n", t.Name, t.AgentType, t.CostMNEE, t.Status)
	}
	b.WriteString(rule + "\n")
	b.WriteString("FINANCIAL SUMMARY:\n")
	fmt.Fprintf(&b, "Total Budget:     %.2f MNEE\n", plan.TotalBudget)
	fmt.Fprintf(&b, "Relay Margin:     %.2f MNEE\n", plan.EstimatedMargin)
	fmt.Fprintf(&b, "Net Deployment:   %.2f MNEE\n", plan.TotalBudget-plan.EstimatedMargin)
	b.WriteString(rule + "\n")
	b.WriteString("BLOCKCHAIN VERIFICATION:\n")
	b.WriteString("Protocol: MNEE Stablecoin (6 Decimals)\n")
	fmt.Fprintf(&b, "Relay Hash: %s\n", wallet.MockTxHash())
	if proof != "" {
		fmt.Fprintf(&b, "Proof Token: %s\n", proof)
	}
	b.WriteString("Authorized by: MNEE Autonomous Relay\n")
	b.WriteString(line + "\n")
	return b.String()
}
