package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"agentrelay/internal/domain"
)

// erc20ABI covers the read path only: balance and token decimals.
const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// ErrTransferUnsupported marks the on-chain provider as read-only. Callers
// fall back to simulated settlement when they see it.
var ErrTransferUnsupported = errors.New("on-chain wallet is read-only, transfers are not supported")

// OnChain reads MNEE balances from an ERC-20 contract over an Ethereum RPC
// endpoint. It holds no key material and cannot sign transactions.
type OnChain struct {
	eth      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	address  common.Address
	decimals int32
}

// DialOnChain connects to the RPC endpoint and resolves the token decimals.
func DialOnChain(ctx context.Context, rpcURL, contract, address string) (*OnChain, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("wallet rpc url is empty")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}

	w := &OnChain{
		eth:      eth,
		abi:      parsed,
		contract: common.HexToAddress(contract),
		address:  common.HexToAddress(address),
	}
	w.decimals, err = w.tokenDecimals(ctx)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return w, nil
}

func (w *OnChain) Close() { w.eth.Close() }

func (w *OnChain) Connect(ctx context.Context) (Account, error) {
	balance, err := w.BalanceOf(ctx, w.address.Hex())
	if err != nil {
		return Account{}, err
	}
	return Account{Address: w.address.Hex(), Balance: balance}, nil
}

func (w *OnChain) BalanceOf(ctx context.Context, address string) (float64, error) {
	input, err := w.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("pack balanceOf: %w", err)
	}
	output, err := w.eth.CallContract(ctx, ethereum.CallMsg{To: &w.contract, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("call balanceOf: %w", err)
	}
	var raw *big.Int
	if err := w.abi.UnpackIntoInterface(&raw, "balanceOf", output); err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(w.decimals)), nil))
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), scale).Float64()
	return domain.RoundMNEE(value), nil
}

func (w *OnChain) Transfer(ctx context.Context, from, to string, amount float64) (string, error) {
	return "", ErrTransferUnsupported
}

func (w *OnChain) tokenDecimals(ctx context.Context) (int32, error) {
	input, err := w.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	output, err := w.eth.CallContract(ctx, ethereum.CallMsg{To: &w.contract, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	var decimals uint8
	if err := w.abi.UnpackIntoInterface(&decimals, "decimals", output); err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return int32(decimals), nil
}
