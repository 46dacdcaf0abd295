package web3

import xerrors "ZKPay-Chain/internal/errors"

const (
	// CodeChainRejection marks a proof the verifier contract refused.
	CodeChainRejection xerrors.Code = "CHAIN_REJECTION"
	// CodeChainUnavailable marks a target chain missing from the registry.
	CodeChainUnavailable xerrors.Code = "CHAIN_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeChainRejection, xerrors.Attributes{
		Message:   "verifier contract rejected the proof",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
		Kind:      xerrors.KindChainRejection,
	})
	xerrors.Register(CodeChainUnavailable, xerrors.Attributes{
		Message:   "target chain is not configured",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Transient wraps a network or node failure that may succeed on retry.
func Transient(cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeTransientNetwork, cause, message)
}

// Rejected wraps a contract-level refusal.
func Rejected(cause error, reason string) error {
	return xerrors.Wrap(CodeChainRejection, cause, reason)
}
