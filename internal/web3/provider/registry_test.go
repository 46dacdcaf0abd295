package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ZKPay-Chain/internal/config"
	"ZKPay-Chain/internal/web3/simulated"
)

func TestRegistryFallsBackToSimulatedChain(t *testing.T) {
	r, err := NewRegistry(context.Background(), config.Web3Config{})
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, []string{FallbackChain}, r.Targets())
	v, ok := r.Verifier(FallbackChain)
	require.True(t, ok)
	require.Equal(t, FallbackChain, v.Name())
}

func TestRegistryLoadsSimulatedDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  sim-a:
    type: simulated
    chain_id: 1
    domain: 6
    pending_polls: 1
  sim-b:
    type: simulated
    chain_id: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, []string{"sim-a", "sim-b"}, r.Targets())
	domain, ok := r.Domain("sim-a")
	require.True(t, ok)
	require.Equal(t, uint32(6), domain)

	snaps, err := r.Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
}

func TestRegistryRequiresSignerForEVM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  sepolia:
    rpc_url: http://127.0.0.1:1
    verifier_address: "0x00000000000000000000000000000000000000aa"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, SignerKeyEnv: "ZKPAY_TEST_MISSING_KEY"})
	require.Error(t, err)
}

func TestRegistryRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  x:\n    type: solana\n"), 0o600))

	_, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	require.Error(t, err)
}

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry(simulated.NewClient("a", 1), nil, simulated.NewClient("b", 2))
	require.Equal(t, []string{"a", "b"}, r.Targets())
	_, ok := r.Verifier("c")
	require.False(t, ok)
	r.Close()
	require.Empty(t, r.Targets())
}
