package backend

import xerrors "ZKPay-Chain/internal/errors"

const (
	CodeInvalidArgumentShape xerrors.Code = "INVALID_ARGUMENT_SHAPE"
	CodeUnknownFunction      xerrors.Code = "UNKNOWN_FUNCTION"
	CodeBackendError         xerrors.Code = "BACKEND_ERROR"
	CodeEngineTimeout        xerrors.Code = "ENGINE_TIMEOUT"
)

func init() {
	xerrors.Register(CodeInvalidArgumentShape, xerrors.Attributes{
		Message:   "arguments do not match the function signature",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		Kind:      xerrors.KindValidation,
	})
	xerrors.Register(CodeUnknownFunction, xerrors.Attributes{
		Message:   "unknown backend kind or function",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		Kind:      xerrors.KindValidation,
	})
	xerrors.Register(CodeBackendError, xerrors.Attributes{
		Message:   "proof generation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
		Kind:      xerrors.KindBackend,
	})
	xerrors.Register(CodeEngineTimeout, xerrors.Attributes{
		Message:   "proof generation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
		Kind:      xerrors.KindBackend,
	})
}
