package execution

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/web3"
)

type stubChain struct {
	calls    [][]web3.VaultCall
	err      error
	noHashes bool
}

func (s *stubChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "0x539", BlockNumber: "0x1"}, nil
}

func (s *stubChain) CallVaults(_ context.Context, _ *bind.TransactOpts, calls []web3.VaultCall) ([]common.Hash, error) {
	s.calls = append(s.calls, calls)
	if s.err != nil {
		return nil, s.err
	}
	if s.noHashes {
		return nil, nil
	}
	hashes := make([]common.Hash, len(calls))
	for i := range calls {
		hashes[i] = common.BigToHash(big.NewInt(int64(i + 1)))
	}
	return hashes, nil
}

func (s *stubChain) SendBatchTransactions(context.Context, []*types.Transaction) ([]common.Hash, error) {
	return nil, errors.New("not used")
}

func (s *stubChain) Close() {}

func testTargets() map[string]common.Address {
	return map[string]common.Address{
		"SafeVault": common.HexToAddress("0xa1"),
		"Aave":      common.HexToAddress("0xb2"),
	}
}

func TestToBaseUnits(t *testing.T) {
	units, err := ToBaseUnits(1234.56, 6)
	if err != nil {
		t.Fatalf("to base units: %v", err)
	}
	if units.String() != "1234560000" {
		t.Fatalf("unexpected units %s", units)
	}
	units, _ = ToBaseUnits(0.0000001, 6)
	if units.Sign() != 0 {
		t.Fatalf("sub-unit amounts should truncate to 0, got %s", units)
	}
	if _, err := ToBaseUnits(-1, 6); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if got := FromBaseUnits(big.NewInt(1_500_000), 6); got != 1.5 {
		t.Fatalf("unexpected float %v", got)
	}
}

func TestChainExecutorDeploy(t *testing.T) {
	chain := &stubChain{}
	exec, err := NewChainExecutor(chain, &bind.TransactOpts{}, ChainConfig{Targets: testTargets(), TokenDecimals: 6, WithdrawSource: "SafeVault"})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	result, err := exec.Deploy(context.Background(), Leg{Target: "SafeVault", Amount: 600_000}, Leg{Target: "Aave", Amount: 400_000})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Moved != 1_000_000 || len(result.Receipts) != 2 || result.Status != StatusConfirmed {
		t.Fatalf("unexpected result: %+v", result)
	}
	batch := chain.calls[0]
	if batch[0].Method != web3.MethodDeposit || batch[0].Amount.String() != "600000000000" {
		t.Fatalf("unexpected first call: %+v", batch[0])
	}
	if batch[1].Vault != common.HexToAddress("0xb2") {
		t.Fatalf("unexpected vault: %s", batch[1].Vault.Hex())
	}
}

func TestChainExecutorFailures(t *testing.T) {
	chain := &stubChain{err: errors.New("nonce too low")}
	exec, err := NewChainExecutor(chain, &bind.TransactOpts{}, ChainConfig{Targets: testTargets(), TokenDecimals: 6, WithdrawSource: "SafeVault"})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	_, err = exec.Withdraw(context.Background(), 50_000, "HIGH", "depeg")
	if !xerrors.HasCode(err, xerrors.CodeExecutionFailure) {
		t.Fatalf("expected EXECUTION_FAILURE, got %v", err)
	}
	if chain.calls[0][0].Method != web3.MethodWithdraw {
		t.Fatalf("expected withdraw call")
	}

	_, err = exec.Deploy(context.Background(), Leg{Target: "Unknown", Amount: 10}, Leg{})
	if !xerrors.HasCode(err, xerrors.CodeExecutionFailure) || !strings.Contains(err.Error(), "target=Unknown") {
		t.Fatalf("expected unknown target failure, got %v", err)
	}

	if _, err := NewChainExecutor(chain, &bind.TransactOpts{}, ChainConfig{Targets: testTargets(), WithdrawSource: "Compound"}); err == nil {
		t.Fatalf("expected error for unmapped withdraw source")
	}
}

func TestChainExecutorWithdrawWithoutReceipt(t *testing.T) {
	chain := &stubChain{noHashes: true}
	exec, err := NewChainExecutor(chain, &bind.TransactOpts{}, ChainConfig{Targets: testTargets(), TokenDecimals: 6, WithdrawSource: "SafeVault"})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	_, err = exec.Withdraw(context.Background(), 50_000, "HIGH", "depeg")
	if !xerrors.HasCode(err, xerrors.CodeExecutionFailure) {
		t.Fatalf("expected EXECUTION_FAILURE, got %v", err)
	}
	if len(chain.calls) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(chain.calls))
	}
}

func TestDryRunRecordsCalls(t *testing.T) {
	d := NewDryRun()
	res, err := d.Deploy(context.Background(), Leg{Target: "SafeVault", Amount: 70}, Leg{Target: "Aave", Amount: 30})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.Moved != 100 || res.Status != StatusSimulated || len(res.Receipts) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	w, _ := d.Withdraw(context.Background(), 25, "LOW", "rebalance")
	if !strings.HasPrefix(w.Receipt, "dryrun-") {
		t.Fatalf("unexpected receipt: %s", w.Receipt)
	}
	calls := d.Calls()
	if len(calls) != 2 || calls[1].Kind != "withdraw" || calls[1].Reason != "rebalance" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestNewSigner(t *testing.T) {
	auth, err := NewSigner("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", big.NewInt(1337))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if auth.From == (common.Address{}) {
		t.Fatalf("expected signer address")
	}
	if _, err := NewSigner("", big.NewInt(1)); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
