// Package wallet abstracts the MNEE stablecoin wallet used for settlement.
// The default provider simulates the chain; a read-only on-chain provider
// backed by an Ethereum RPC endpoint can replace it for balance queries.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"agentrelay/internal/domain"
)

// Account is the connected wallet identity and its MNEE balance.
type Account struct {
	Address string  `json:"address"`
	Balance float64 `json:"balance"`
}

// Provider connects to a wallet and moves MNEE. Transfer returns the
// transaction hash recorded against the paid task.
type Provider interface {
	Connect(ctx context.Context) (Account, error)
	BalanceOf(ctx context.Context, address string) (float64, error)
	Transfer(ctx context.Context, from, to string, amount float64) (string, error)
}

// Simulated fabricates a wallet. Connecting mints a random address with a
// balance between 1000 and 6000 MNEE; transfers always succeed and yield a
// mock transaction hash.
type Simulated struct {
	mu      sync.Mutex
	account *Account
}

func NewSimulated() *Simulated { return &Simulated{} }

func (s *Simulated) Connect(ctx context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		s.account = &Account{
			Address: "0x" + randomHex(20),
			Balance: domain.RoundMNEE(1000 + randomFloat()*5000),
		}
	}
	return *s.account, nil
}

func (s *Simulated) BalanceOf(ctx context.Context, address string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account != nil && s.account.Address == address {
		return s.account.Balance, nil
	}
	return domain.RoundMNEE(1000 + randomFloat()*5000), nil
}

func (s *Simulated) Transfer(ctx context.Context, from, to string, amount float64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("transfer amount must be positive, got %v", amount)
	}
	s.mu.Lock()
	if s.account != nil && s.account.Address == from && s.account.Balance >= amount {
		s.account.Balance = domain.RoundMNEE(s.account.Balance - amount)
	}
	s.mu.Unlock()
	return MockTxHash(), nil
}

// MockTxHash returns a fabricated transaction hash, 0x plus 64 hex chars.
func MockTxHash() string {
	return "0x" + randomHex(32)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func randomFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	v := new(big.Int).SetBytes(buf[:]).Uint64()
	return float64(v%1_000_000) / 1_000_000
}
