// Package settlement 在证明首次链上确认后触发 USDC 跨域结算。
package settlement

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"

	xerrors "ZKPay-Chain/internal/errors"
)

// Status 是结算记录的状态。
type Status string

const (
	StatusNotEligible Status = "not_eligible"
	StatusTriggered   Status = "triggered"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusNotEligible || s == StatusCompleted || s == StatusFailed
}

// Record 记录某个证明的结算结果，每个证明至多一条。
type Record struct {
	ProofID           string `json:"proof_id"`
	Amount            string `json:"amount,omitempty"`
	SourceDomain      uint32 `json:"source_domain"`
	DestinationDomain uint32 `json:"destination_domain"`
	Status            Status `json:"status"`
	TxHash            string `json:"tx_hash,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorDetail       string `json:"error_detail,omitempty"`
	Attempts          int    `json:"attempts"`
	UpdatedAt         int64  `json:"updated_at"`
}

// TransferRequest 是交给支付网关的一次结算请求。
type TransferRequest struct {
	ProofID           string
	Amount            *big.Int
	SourceDomain      uint32
	DestinationDomain uint32
}

// TransferResult 是支付网关的受理结果。
type TransferResult struct {
	Status string
	TxHash string
}

// Gateway 抽象支付网关。返回的错误须带有错误码：
// 可重试的网络错误使用 TRANSIENT_NETWORK，网关拒绝使用 SETTLEMENT_ERROR。
type Gateway interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// GatewayFunc 允许使用函数实现 Gateway。
type GatewayFunc func(ctx context.Context, req TransferRequest) (TransferResult, error)

// Transfer 实现 Gateway 接口。
func (f GatewayFunc) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	return f(ctx, req)
}

const (
	CodeSettlementError    xerrors.Code = "SETTLEMENT_ERROR"
	CodeSettlementNotFound xerrors.Code = "SETTLEMENT_NOT_FOUND"
	CodeSettlementExists   xerrors.Code = "SETTLEMENT_EXISTS"
	CodeInvalidTransition  xerrors.Code = "SETTLEMENT_INVALID_TRANSITION"
	CodeInvalidAmount      xerrors.Code = "INVALID_SETTLEMENT_AMOUNT"
)

var (
	// ErrSettlementNotFound 表示结算记录不存在。
	ErrSettlementNotFound = xerrors.New(CodeSettlementNotFound, "settlement record not found")
	// ErrSettlementExists 表示该证明已经登记过结算。
	ErrSettlementExists = xerrors.New(CodeSettlementExists, "settlement already recorded")
	// ErrInvalidTransition 表示请求的结算状态转换不合法。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "settlement transition not allowed")
)

func init() {
	xerrors.Register(CodeSettlementError, xerrors.Attributes{
		Message:   "settlement gateway rejected the transfer",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
		Kind:      xerrors.KindSettlement,
	})
	xerrors.Register(CodeSettlementNotFound, xerrors.Attributes{
		Message:  "settlement record not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSettlementExists, xerrors.Attributes{
		Message:  "settlement already recorded",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "settlement transition not allowed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:  "settlement amount must be a positive integer in USDC base units",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindValidation,
	})
}

// ParseAmount 解析以 USDC 最小单位表示的十进制金额，必须为正整数。
func ParseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(CodeInvalidAmount, "")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return nil, xerrors.New(CodeInvalidAmount, "")
	}
	value, ok := math.ParseBig256(raw)
	if !ok || value.Sign() <= 0 {
		return nil, xerrors.New(CodeInvalidAmount, "")
	}
	return value, nil
}

// Rejected 包装网关拒绝结算的错误。
func Rejected(cause error, message string) error {
	return xerrors.Wrap(CodeSettlementError, cause, message)
}
