package wallet_test

import (
	"context"
	"math"
	"regexp"
	"testing"

	"agentrelay/internal/wallet"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
)

func TestSimulatedConnectIsStable(t *testing.T) {
	w := wallet.NewSimulated()
	first, err := w.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !addressPattern.MatchString(first.Address) {
		t.Errorf("address = %q, want 0x plus 40 hex chars", first.Address)
	}
	if first.Balance < 1000 || first.Balance >= 6000 {
		t.Errorf("balance = %v, want in [1000, 6000)", first.Balance)
	}

	second, err := w.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect again: %v", err)
	}
	if second != first {
		t.Errorf("reconnect changed account: %+v != %+v", second, first)
	}
}

func TestSimulatedTransferDebitsConnectedAccount(t *testing.T) {
	w := wallet.NewSimulated()
	acct, err := w.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	hash, err := w.Transfer(context.Background(), acct.Address, "0xprovider", 10)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !txHashPattern.MatchString(hash) {
		t.Errorf("hash = %q, want 0x plus 64 hex chars", hash)
	}

	balance, err := w.BalanceOf(context.Background(), acct.Address)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if want := acct.Balance - 10; math.Abs(balance-want) > 1e-6 {
		t.Errorf("balance after transfer = %v, want %v", balance, want)
	}
}

func TestSimulatedTransferRejectsNonPositiveAmount(t *testing.T) {
	w := wallet.NewSimulated()
	if _, err := w.Transfer(context.Background(), "0xa", "0xb", 0); err == nil {
		t.Error("Transfer(0) succeeded, want error")
	}
	if _, err := w.Transfer(context.Background(), "0xa", "0xb", -5); err == nil {
		t.Error("Transfer(-5) succeeded, want error")
	}
}

func TestMockTxHashShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		h := wallet.MockTxHash()
		if !txHashPattern.MatchString(h) {
			t.Fatalf("hash = %q, want 0x plus 64 hex chars", h)
		}
		if seen[h] {
			t.Fatalf("duplicate hash %q", h)
		}
		seen[h] = true
	}
}
