package verify

import (
	xerrors "ZKPay-Chain/internal/errors"
)

// Verdict 是单条链上验证记录的状态。
type Verdict string

const (
	VerdictUnsubmitted Verdict = "unsubmitted"
	VerdictSubmitted   Verdict = "submitted"
	VerdictConfirmed   Verdict = "confirmed"
	VerdictRejected    Verdict = "rejected"
)

// Terminal 报告状态是否为终态。
func (v Verdict) Terminal() bool {
	return v == VerdictConfirmed || v == VerdictRejected
}

// CanTransition 报告 from 到 to 是否为合法的单调转换。
// 提交前即被拒绝（合约 revert、重试耗尽）允许直接从 Unsubmitted 进入 Rejected。
func CanTransition(from, to Verdict) bool {
	switch from {
	case VerdictUnsubmitted:
		return to == VerdictSubmitted || to == VerdictRejected
	case VerdictSubmitted:
		return to == VerdictConfirmed || to == VerdictRejected
	default:
		return false
	}
}

// Record 记录某个证明在某条目标链上的验证进度。
type Record struct {
	ProofID         string  `json:"proof_id"`
	TargetChain     string  `json:"target_chain"`
	VerifierAddress string  `json:"verifier_address,omitempty"`
	TxHash          string  `json:"tx_hash,omitempty"`
	Verdict         Verdict `json:"verdict"`
	Reason          string  `json:"reason,omitempty"`
	Attempts        int     `json:"attempts"`
	BlockNumber     uint64  `json:"block_number,omitempty"`
	UpdatedAt       int64   `json:"updated_at"`
}

const (
	CodeVerificationNotFound xerrors.Code = "VERIFICATION_NOT_FOUND"
	CodeVerificationConflict xerrors.Code = "VERIFICATION_CONFLICT"
	CodeInvalidTransition    xerrors.Code = "VERIFICATION_INVALID_TRANSITION"
	CodeProofNotComplete     xerrors.Code = "PROOF_NOT_COMPLETE"
	CodeSubmissionExhausted  xerrors.Code = "SUBMISSION_EXHAUSTED"
	CodeConfirmationTimeout  xerrors.Code = "CONFIRMATION_TIMEOUT"
)

var (
	// ErrVerificationNotFound 表示验证记录不存在。
	ErrVerificationNotFound = xerrors.New(CodeVerificationNotFound, "verification record not found")
	// ErrVerificationConflict 表示同一 (proof, chain) 已存在验证记录。
	ErrVerificationConflict = xerrors.New(CodeVerificationConflict, "verification already exists")
	// ErrInvalidTransition 表示请求的状态转换不单调。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "verdict transition not allowed")
	// ErrProofNotComplete 表示证明尚未成功生成，不能提交验证。
	ErrProofNotComplete = xerrors.New(CodeProofNotComplete, "proof is not complete")
)

func init() {
	xerrors.Register(CodeVerificationNotFound, xerrors.Attributes{
		Message:  "verification record not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeVerificationConflict, xerrors.Attributes{
		Message:  "verification already exists",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "verdict transition not allowed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeProofNotComplete, xerrors.Attributes{
		Message:  "proof is not complete",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindValidation,
	})
	xerrors.Register(CodeSubmissionExhausted, xerrors.Attributes{
		Message:  "verification submission retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Kind:     xerrors.KindTransient,
	})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{
		Message:  "verification transaction was not confirmed in time",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
		Kind:     xerrors.KindTransient,
	})
}
