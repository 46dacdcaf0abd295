package auth

import (
	"slices"

	xerrors "ZKPay-Chain/internal/errors"
)

// 权限标识。
const (
	PermSessionsOpen = "sessions:open"
	PermProofsRead   = "proofs:read"
)

const (
	CodeMissingToken     xerrors.Code = "AUTH_MISSING_TOKEN"
	CodeInvalidToken     xerrors.Code = "AUTH_INVALID_TOKEN"
	CodePermissionDenied xerrors.Code = "AUTH_PERMISSION_DENIED"
)

var (
	// ErrMissingToken 表示请求未携带访问令牌。
	ErrMissingToken = xerrors.New(CodeMissingToken, "missing bearer token")
	// ErrInvalidToken 表示令牌签名、签发方或有效期校验失败。
	ErrInvalidToken = xerrors.New(CodeInvalidToken, "invalid token")
	// ErrPermissionDenied 表示主体缺少所需权限。
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeMissingToken:     "missing bearer token",
		CodeInvalidToken:     "invalid token",
		CodePermissionDenied: "permission denied",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: xerrors.SeverityInfo,
			Kind:     xerrors.KindValidation,
		})
	}
}

// Subject 是通过认证的调用方。
type Subject struct {
	ID          string
	Permissions []string
}

// Authorize 检查主体是否拥有全部所需权限，"*" 视为拥有任意权限。
func (s *Subject) Authorize(required ...string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	if slices.Contains(s.Permissions, "*") {
		return nil
	}
	for _, perm := range required {
		if !slices.Contains(s.Permissions, perm) {
			return xerrors.New(CodePermissionDenied, "missing permission "+perm)
		}
	}
	return nil
}
