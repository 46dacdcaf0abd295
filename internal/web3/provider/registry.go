package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"ZKPay-Chain/internal/config"
	"ZKPay-Chain/internal/web3"
	"ZKPay-Chain/internal/web3/ethereum"
	"ZKPay-Chain/internal/web3/simulated"
)

// FallbackChain is the simulated chain registered when no chain config is given.
const FallbackChain = "local-sim"

// Registry manages verifier clients keyed by human readable chain names.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]web3.Verifier
	domains   map[string]uint32
}

// NewStaticRegistry wraps already constructed verifiers.
func NewStaticRegistry(verifiers ...web3.Verifier) *Registry {
	r := &Registry{verifiers: make(map[string]web3.Verifier), domains: make(map[string]uint32)}
	for _, v := range verifiers {
		if v != nil {
			r.verifiers[v.Name()] = v
		}
	}
	return r
}

// NewRegistry loads chain definitions and instantiates concrete verifiers.
// An empty definition set registers a single simulated chain.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	r := NewStaticRegistry()
	if len(defs.Chains) == 0 {
		r.verifiers[FallbackChain] = simulated.NewClient(FallbackChain, 31337)
		return r, nil
	}

	var key *ecdsa.PrivateKey
	for name, chain := range defs.Chains {
		r.domains[name] = chain.Domain
		switch chain.NormalizedType() {
		case "evm":
			if key == nil {
				key, err = LoadSignerKey(cfg.SignerKeyEnv)
				if err != nil {
					r.Close()
					return nil, err
				}
			}
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:     name,
				RPCURL:   chain.RPCURL,
				ChainID:  chain.ChainID,
				Verifier: chain.VerifierAddress,
				GasLimit: cfg.GasLimit,
				Notes:    chain.Description,
				Key:      key,
			})
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			r.verifiers[name] = client
		case "simulated":
			opts := []simulated.Option{simulated.WithPendingPolls(chain.PendingPolls)}
			if chain.RejectEmptyProofs {
				opts = append(opts, simulated.WithRejection(func(s web3.Submission) bool { return len(s.Proof) == 0 }))
			}
			r.verifiers[name] = simulated.NewClient(name, chain.ChainID, opts...)
		}
	}
	return r, nil
}

// LoadSignerKey reads a hex encoded secp256k1 key from the named environment variable.
func LoadSignerKey(env string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(env) == "" {
		return nil, errors.New("未配置签名私钥环境变量")
	}
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil, fmt.Errorf("环境变量 %s 未设置签名私钥", env)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return key, nil
}

// Verifier returns the verifier for the named chain.
func (r *Registry) Verifier(name string) (web3.Verifier, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[name]
	return v, ok
}

// Domain returns the payment gateway domain configured for a chain.
func (r *Registry) Domain(name string) (uint32, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[name]
	return d, ok
}

// Targets returns the sorted list of registered chain names.
func (r *Registry) Targets() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.verifiers))
	for name := range r.verifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots queries every chain, returning partial results alongside a joined error.
func (r *Registry) Snapshots(ctx context.Context) ([]web3.ChainSnapshot, error) {
	var (
		out  []web3.ChainSnapshot
		errs []error
	)
	for _, name := range r.Targets() {
		v, ok := r.Verifier(name)
		if !ok {
			continue
		}
		snap, err := v.Snapshot(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out = append(out, snap)
	}
	return out, errors.Join(errs...)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, v := range r.verifiers {
		if v != nil {
			v.Close()
		}
		delete(r.verifiers, name)
	}
}
