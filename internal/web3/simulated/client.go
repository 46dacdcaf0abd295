// Package simulated provides an in-process verifier used when no real chain is
// configured and in tests. It confirms every non-empty proof by default.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ZKPay-Chain/internal/web3"
)

// Option customizes a simulated client.
type Option func(*Client)

// WithPendingPolls makes each receipt report pending this many times first.
func WithPendingPolls(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pendingPolls = n
		}
	}
}

// WithTransientFailures fails the next n submissions with a transient error.
func WithTransientFailures(n int) Option {
	return func(c *Client) {
		c.transientLeft.Store(int64(n))
	}
}

// WithRejection installs a predicate that makes the contract reject a proof.
func WithRejection(reject func(web3.Submission) bool) Option {
	return func(c *Client) {
		c.reject = reject
	}
}

// WithRevertOnReceipt makes mined transactions revert instead of confirming.
func WithRevertOnReceipt(revert bool) Option {
	return func(c *Client) {
		c.revert = revert
	}
}

// WithNeverMine keeps every receipt pending forever.
func WithNeverMine() Option {
	return func(c *Client) {
		c.pendingPolls = -1
	}
}

// Client is a deterministic in-memory verifier chain.
type Client struct {
	name         string
	chainID      int64
	pendingPolls int
	revert       bool
	reject       func(web3.Submission) bool

	transientLeft atomic.Int64
	submits       atomic.Int64

	mu     sync.Mutex
	block  uint64
	txs    map[common.Hash]*pendingTx
	closed bool
}

type pendingTx struct {
	polls int
	block uint64
}

// NewClient constructs a simulated verifier chain.
func NewClient(name string, chainID int64, opts ...Option) *Client {
	c := &Client{
		name:    name,
		chainID: chainID,
		txs:     make(map[common.Hash]*pendingTx),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name returns the chain name.
func (c *Client) Name() string { return c.name }

// Address returns a placeholder verifier address.
func (c *Client) Address() string { return "simulated" }

// Submits reports how many submissions reached the client, including failed ones.
func (c *Client) Submits() int64 { return c.submits.Load() }

// SubmitProof records a verification transaction.
func (c *Client) SubmitProof(ctx context.Context, sub web3.Submission) (web3.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return web3.TxRef{}, err
	}
	n := c.submits.Add(1)
	if c.transientLeft.Add(-1) >= 0 {
		return web3.TxRef{}, web3.Transient(errors.New("simulated node unavailable"), "send transaction failed")
	}
	if len(sub.Proof) == 0 {
		return web3.TxRef{}, web3.Rejected(nil, "proof bytes are empty")
	}
	if c.reject != nil && c.reject(sub) {
		return web3.TxRef{}, web3.Rejected(nil, "execution reverted")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return web3.TxRef{}, web3.Transient(errors.New("client closed"), "send transaction failed")
	}
	key := web3.ProofKey(sub.ProofID)
	hash := crypto.Keccak256Hash([]byte(c.name), key.Bytes(), []byte(fmt.Sprint(n)))
	c.txs[hash] = &pendingTx{}
	return web3.TxRef{Chain: c.name, Hash: hash}, nil
}

// Receipt mines the transaction once its pending polls are used up.
func (c *Client) Receipt(ctx context.Context, ref web3.TxRef) (web3.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return web3.Receipt{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[ref.Hash]
	if !ok {
		return web3.Receipt{Status: web3.ReceiptPending}, nil
	}
	if tx.block == 0 {
		if c.pendingPolls < 0 || tx.polls < c.pendingPolls {
			tx.polls++
			return web3.Receipt{Status: web3.ReceiptPending}, nil
		}
		c.block++
		tx.block = c.block
	}
	status := web3.ReceiptConfirmed
	if c.revert {
		status = web3.ReceiptReverted
	}
	return web3.Receipt{Status: status, BlockNumber: tx.block, GasUsed: 21_000}, nil
}

// Snapshot reports the simulated head.
func (c *Client) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     fmt.Sprintf("0x%x", c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", c.block),
		Verifier:    "simulated",
		Notes:       "in-process verifier",
	}, nil
}

// Close marks the client closed.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

var _ web3.Verifier = (*Client)(nil)
