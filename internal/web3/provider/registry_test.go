package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"Treasury-Autopilot/internal/config"
)

func TestNewRegistryPicksDefaultChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	content := "chains:\n  sepolia:\n    rpc_url: http://127.0.0.1:18545\n  holesky:\n    rpc_url: http://127.0.0.1:18546\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if got := reg.Chains(); len(got) != 2 || got[0] != "holesky" {
		t.Fatalf("unexpected chains: %v", got)
	}
	if _, err := reg.DefaultClient(); err != nil {
		t.Fatalf("default client: %v", err)
	}
	if _, ok := reg.Client("sepolia"); !ok {
		t.Fatalf("expected sepolia client")
	}
}

func TestNewRegistryFallsBackToRPCURL(t *testing.T) {
	reg, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:18545"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()
	if got := reg.Chains(); len(got) != 1 || got[0] != "default" {
		t.Fatalf("unexpected chains: %v", got)
	}

	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without any endpoint")
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:18545", DefaultChain: "mainnet"}); err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
}
