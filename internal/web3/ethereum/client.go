package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/web3"
)

// VerifierABI is the subset of the verifier contract this client calls.
const VerifierABI = `[{"type":"function","name":"verifyProof","stateMutability":"nonpayable","inputs":[{"name":"proofId","type":"bytes32"},{"name":"proof","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]}]`

// revertErrorCode is the JSON-RPC code geth uses for execution reverted.
const revertErrorCode = 3

// Config describes how to construct an EVM verifier client.
type Config struct {
	Name     string
	RPCURL   string
	ChainID  int64
	Verifier string
	GasLimit uint64
	Notes    string
	Key      *ecdsa.PrivateKey
}

// chainBackend mirrors the subset of ethclient.Client the verifier needs.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	Close()
}

// Client implements web3.Verifier for EVM compatible chains.
type Client struct {
	name     string
	notes    string
	backend  chainBackend
	abi      abi.ABI
	verifier common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	gasLimit uint64

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client, err := newClient(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return client, nil
}

func newClient(backend chainBackend, cfg Config) (*Client, error) {
	if cfg.Key == nil {
		return nil, errors.New("未配置交易签名私钥")
	}
	if !common.IsHexAddress(cfg.Verifier) {
		return nil, fmt.Errorf("验证合约地址无效: %q", cfg.Verifier)
	}
	parsed, err := abi.JSON(strings.NewReader(VerifierABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	c := &Client{
		name:     cfg.Name,
		notes:    cfg.Notes,
		backend:  backend,
		abi:      parsed,
		verifier: common.HexToAddress(cfg.Verifier),
		key:      cfg.Key,
		from:     crypto.PubkeyToAddress(cfg.Key.PublicKey),
		gasLimit: cfg.GasLimit,
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Address returns the verifier contract address.
func (c *Client) Address() string { return c.verifier.Hex() }

// SubmitProof simulates the verifyProof call, then signs and broadcasts it.
// Submissions from one client are serialized so nonces never collide.
func (c *Client) SubmitProof(ctx context.Context, sub web3.Submission) (web3.TxRef, error) {
	if len(sub.Proof) == 0 {
		return web3.TxRef{}, web3.Rejected(nil, "proof bytes are empty")
	}
	data, err := c.abi.Pack("verifyProof", [32]byte(web3.ProofKey(sub.ProofID)), sub.Proof)
	if err != nil {
		return web3.TxRef{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode verifyProof call")
	}
	msg := gethcore.CallMsg{From: c.from, To: &c.verifier, Data: data}

	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return web3.TxRef{}, classify(err, "verifyProof call failed")
	}
	accepted, err := c.unpackBool(out)
	if err != nil {
		return web3.TxRef{}, web3.Rejected(err, "verifier returned malformed output")
	}
	if !accepted {
		return web3.TxRef{}, web3.Rejected(nil, "verifier returned false")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return web3.TxRef{}, err
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return web3.TxRef{}, classify(err, "estimate gas failed")
	}
	gas = gas * 12 / 10
	if c.gasLimit > 0 && gas > c.gasLimit {
		gas = c.gasLimit
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return web3.TxRef{}, web3.Transient(err, "fetch nonce failed")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return web3.TxRef{}, web3.Transient(err, "suggest gas tip failed")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.TxRef{}, web3.Transient(err, "fetch head failed")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.verifier,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return web3.TxRef{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "sign transaction failed")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return web3.TxRef{}, classify(err, "send transaction failed")
	}
	return web3.TxRef{Chain: c.name, Hash: signed.Hash()}, nil
}

// Receipt reports pending until the transaction is mined.
func (c *Client) Receipt(ctx context.Context, ref web3.TxRef) (web3.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, ref.Hash)
	if errors.Is(err, gethcore.NotFound) {
		return web3.Receipt{Status: web3.ReceiptPending}, nil
	}
	if err != nil {
		return web3.Receipt{}, web3.Transient(err, "fetch receipt failed")
	}
	status := web3.ReceiptConfirmed
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		status = web3.ReceiptReverted
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return web3.Receipt{Status: status, BlockNumber: block, GasUsed: receipt.GasUsed}, nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	c.mu.Lock()
	chainID, err := c.loadChainID(ctx)
	c.mu.Unlock()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, web3.Transient(err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", block),
		Verifier:    c.verifier.Hex(),
		Notes:       c.notes,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.backend != nil {
		c.backend.Close()
	}
}

func (c *Client) loadChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, web3.Transient(err, "获取链 ID 失败")
	}
	c.chainID = id
	return id, nil
}

func (c *Client) unpackBool(out []byte) (bool, error) {
	values, err := c.abi.Unpack("verifyProof", out)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("unexpected output count %d", len(values))
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return false, fmt.Errorf("unexpected output type %T", values[0])
	}
	return ok, nil
}

// classify separates contract reverts from transport failures.
func classify(err error, message string) error {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertErrorCode {
		return web3.Rejected(err, "execution reverted")
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return web3.Rejected(err, "execution reverted")
	}
	return web3.Transient(err, message)
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Verifier = (*Client)(nil)
