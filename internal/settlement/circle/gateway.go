// Package circle submits EIP-712 signed burn intents to the Circle Gateway
// transfer API.
package circle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/settlement"
)

const (
	defaultBaseURL = "https://gateway-api-testnet.circle.com"
	defaultTimeout = 30 * time.Second
	transferPath   = "/v1/transfer"
	specVersion    = 1
)

// maxBlockHeight is 2^256-1: the intent never expires by height.
var maxBlockHeight = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// defaultMaxFee is 2.000001 USDC, the minimum fee accepted on testnet.
var defaultMaxFee = big.NewInt(2_000_001)

// Config describes the gateway account and the contracts on both domains.
type Config struct {
	BaseURL              string
	APIKey               string
	Timeout              time.Duration
	Key                  *ecdsa.PrivateKey
	SourceContract       string
	DestinationContract  string
	SourceToken          string
	DestinationToken     string
	DestinationRecipient string
	MaxFee               *big.Int
	HTTPClient           *http.Client
}

// TransferSpec is the inner EIP-712 struct of a burn intent.
type TransferSpec struct {
	Version              uint32 `json:"version"`
	SourceDomain         uint32 `json:"sourceDomain"`
	DestinationDomain    uint32 `json:"destinationDomain"`
	SourceContract       string `json:"sourceContract"`
	DestinationContract  string `json:"destinationContract"`
	SourceToken          string `json:"sourceToken"`
	DestinationToken     string `json:"destinationToken"`
	SourceDepositor      string `json:"sourceDepositor"`
	DestinationRecipient string `json:"destinationRecipient"`
	SourceSigner         string `json:"sourceSigner"`
	DestinationCaller    string `json:"destinationCaller"`
	Value                string `json:"value"`
	Salt                 string `json:"salt"`
	HookData             string `json:"hookData"`
}

// BurnIntent authorises the gateway to burn on the source domain and mint on
// the destination domain.
type BurnIntent struct {
	MaxBlockHeight string       `json:"maxBlockHeight"`
	MaxFee         string       `json:"maxFee"`
	Spec           TransferSpec `json:"spec"`
}

// SignedIntent is one element of the transfer request body.
type SignedIntent struct {
	BurnIntent BurnIntent `json:"burnIntent"`
	Signature  string     `json:"signature"`
}

type transferResponse struct {
	TransferID  string `json:"transferId"`
	Attestation string `json:"attestation"`
	Signature   string `json:"signature"`
	Success     *bool  `json:"success,omitempty"`
	Message     string `json:"message,omitempty"`
	Fees        struct {
		Total string `json:"total"`
	} `json:"fees"`
}

// Gateway implements settlement.Gateway against Circle's HTTP API.
type Gateway struct {
	baseURL    string
	apiKey     string
	key        *ecdsa.PrivateKey
	signer     common.Address
	cfg        Config
	maxFee     *big.Int
	httpClient *http.Client
}

// NewGateway validates cfg and returns a ready gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Key == nil {
		return nil, errors.New("circle gateway requires a signing key")
	}
	for name, addr := range map[string]string{
		"source_contract":       cfg.SourceContract,
		"destination_contract":  cfg.DestinationContract,
		"source_token":          cfg.SourceToken,
		"destination_token":     cfg.DestinationToken,
		"destination_recipient": cfg.DestinationRecipient,
	} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("circle gateway %s is not a valid address: %q", name, addr)
		}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	maxFee := cfg.MaxFee
	if maxFee == nil || maxFee.Sign() <= 0 {
		maxFee = defaultMaxFee
	}
	return &Gateway{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		key:        cfg.Key,
		signer:     crypto.PubkeyToAddress(cfg.Key.PublicKey),
		cfg:        cfg,
		maxFee:     maxFee,
		httpClient: client,
	}, nil
}

// Signer returns the depositor and signer address.
func (g *Gateway) Signer() common.Address { return g.signer }

// BuildIntent turns a settlement request into a burn intent. The salt is
// derived from the proof id so a retried transfer carries the same intent.
func (g *Gateway) BuildIntent(req settlement.TransferRequest) BurnIntent {
	signer := addressToBytes32(g.signer.Hex())
	return BurnIntent{
		MaxBlockHeight: maxBlockHeight.String(),
		MaxFee:         g.maxFee.String(),
		Spec: TransferSpec{
			Version:              specVersion,
			SourceDomain:         req.SourceDomain,
			DestinationDomain:    req.DestinationDomain,
			SourceContract:       addressToBytes32(g.cfg.SourceContract),
			DestinationContract:  addressToBytes32(g.cfg.DestinationContract),
			SourceToken:          addressToBytes32(g.cfg.SourceToken),
			DestinationToken:     addressToBytes32(g.cfg.DestinationToken),
			SourceDepositor:      signer,
			DestinationRecipient: addressToBytes32(g.cfg.DestinationRecipient),
			SourceSigner:         signer,
			DestinationCaller:    addressToBytes32(common.Address{}.Hex()),
			Value:                req.Amount.String(),
			Salt:                 crypto.Keccak256Hash([]byte(req.ProofID)).Hex(),
			HookData:             "0x",
		},
	}
}

// Sign returns the 65-byte EIP-712 signature with V in {27, 28}.
func (g *Gateway) Sign(intent BurnIntent) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(TypedData(intent))
	if err != nil {
		return "", fmt.Errorf("hash burn intent: %w", err)
	}
	sig, err := crypto.Sign(hash, g.key)
	if err != nil {
		return "", fmt.Errorf("sign burn intent: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Transfer signs and submits one burn intent.
func (g *Gateway) Transfer(ctx context.Context, req settlement.TransferRequest) (settlement.TransferResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return settlement.TransferResult{}, xerrors.New(settlement.CodeInvalidAmount, "")
	}
	intent := g.BuildIntent(req)
	signature, err := g.Sign(intent)
	if err != nil {
		return settlement.TransferResult{}, settlement.Rejected(err, "")
	}
	payload, err := json.Marshal([]SignedIntent{{BurnIntent: intent, Signature: signature}})
	if err != nil {
		return settlement.TransferResult{}, settlement.Rejected(err, "")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+transferPath, bytes.NewReader(payload))
	if err != nil {
		return settlement.TransferResult{}, settlement.Rejected(err, "")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return settlement.TransferResult{}, ctxErr
		}
		return settlement.TransferResult{}, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "circle gateway unreachable")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	status := strconv.Itoa(resp.StatusCode)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return settlement.TransferResult{}, xerrors.Wrap(xerrors.CodeTransientNetwork,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			"circle gateway temporarily unavailable",
			xerrors.WithMetadata("http_status", status))
	case resp.StatusCode >= http.StatusBadRequest:
		return settlement.TransferResult{}, xerrors.Wrap(settlement.CodeSettlementError,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			"",
			xerrors.WithMetadata("http_status", status))
	}

	var decoded transferResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return settlement.TransferResult{}, settlement.Rejected(fmt.Errorf("decode response: %w", err), "")
	}
	if decoded.Success != nil && !*decoded.Success {
		return settlement.TransferResult{}, settlement.Rejected(errors.New(decoded.Message), "")
	}
	if decoded.TransferID == "" {
		return settlement.TransferResult{}, settlement.Rejected(errors.New("response has no transferId"), "")
	}
	return settlement.TransferResult{Status: "accepted", TxHash: decoded.TransferID}, nil
}

// TypedData returns the EIP-712 envelope the gateway verifies. The domain
// carries only name and version.
func TypedData(intent BurnIntent) apitypes.TypedData {
	spec := intent.Spec
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
			},
			"BurnIntent": {
				{Name: "maxBlockHeight", Type: "uint256"},
				{Name: "maxFee", Type: "uint256"},
				{Name: "spec", Type: "TransferSpec"},
			},
			"TransferSpec": {
				{Name: "version", Type: "uint32"},
				{Name: "sourceDomain", Type: "uint32"},
				{Name: "destinationDomain", Type: "uint32"},
				{Name: "sourceContract", Type: "bytes32"},
				{Name: "destinationContract", Type: "bytes32"},
				{Name: "sourceToken", Type: "bytes32"},
				{Name: "destinationToken", Type: "bytes32"},
				{Name: "sourceDepositor", Type: "bytes32"},
				{Name: "destinationRecipient", Type: "bytes32"},
				{Name: "sourceSigner", Type: "bytes32"},
				{Name: "destinationCaller", Type: "bytes32"},
				{Name: "value", Type: "uint256"},
				{Name: "salt", Type: "bytes32"},
				{Name: "hookData", Type: "bytes"},
			},
		},
		PrimaryType: "BurnIntent",
		Domain:      apitypes.TypedDataDomain{Name: "GatewayWallet", Version: "1"},
		Message: apitypes.TypedDataMessage{
			"maxBlockHeight": intent.MaxBlockHeight,
			"maxFee":         intent.MaxFee,
			"spec": map[string]interface{}{
				"version":              strconv.FormatUint(uint64(spec.Version), 10),
				"sourceDomain":         strconv.FormatUint(uint64(spec.SourceDomain), 10),
				"destinationDomain":    strconv.FormatUint(uint64(spec.DestinationDomain), 10),
				"sourceContract":       spec.SourceContract,
				"destinationContract":  spec.DestinationContract,
				"sourceToken":          spec.SourceToken,
				"destinationToken":     spec.DestinationToken,
				"sourceDepositor":      spec.SourceDepositor,
				"destinationRecipient": spec.DestinationRecipient,
				"sourceSigner":         spec.SourceSigner,
				"destinationCaller":    spec.DestinationCaller,
				"value":                spec.Value,
				"salt":                 spec.Salt,
				"hookData":             spec.HookData,
			},
		},
	}
}

// addressToBytes32 left-pads a 20-byte address to a lowercase bytes32 hex.
func addressToBytes32(addr string) string {
	return common.BytesToHash(common.HexToAddress(addr).Bytes()).Hex()
}

var _ settlement.Gateway = (*Gateway)(nil)
