package proof

import (
	"encoding/json"
	stdErrors "errors"

	xerrors "ZKPay-Chain/internal/errors"
)

// Kind 是证明后端的封闭枚举。
type Kind string

const (
	KindGeneric              Kind = "generic"
	KindDecisionCircuit      Kind = "decision"
	KindRecursiveAccumulator Kind = "recursive"
)

// ParseKind 解析线上协议中的 backendKind 字段。空字符串映射到通用后端，
// 其余未知取值返回 false，由调用方拒绝请求。
func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case "":
		return KindGeneric, true
	case KindGeneric, KindDecisionCircuit, KindRecursiveAccumulator:
		return Kind(raw), true
	default:
		return "", false
	}
}

// Status 表示证明结果在生命周期中的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// SettlementParams 是请求携带的可选结算参数。
type SettlementParams struct {
	Amount            string `json:"amount"`
	DestinationDomain uint32 `json:"destination_domain,omitempty"`
}

// Request 是被接受的证明请求，接受后不可变。
type Request struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	Function       string            `json:"function"`
	Arguments      []json.RawMessage `json:"arguments"`
	StepSize       int               `json:"step_size"`
	Explanation    string            `json:"explanation,omitempty"`
	OwnerSessionID string            `json:"owner_session_id"`
	Settlement     *SettlementParams `json:"settlement,omitempty"`
	CreatedAt      int64             `json:"created_at"`
}

// Metrics 是引擎上报的参考指标。
type Metrics struct {
	GenerationTimeSecs float64 `json:"generation_time_secs"`
	ProofSize          int     `json:"proof_size"`
	TimeMs             int64   `json:"time_ms"`
}

// Artifact 是证明产物，仅在 Complete 状态下存在。
type Artifact struct {
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"public_inputs,omitempty"`
	Commitment   string   `json:"commitment,omitempty"`
}

// Result 记录证明生成的结果。Pending 之后恰好转换一次，随后不可变。
type Result struct {
	ProofID     string    `json:"proof_id"`
	Status      Status    `json:"status"`
	Artifact    *Artifact `json:"artifact,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Attempts    int       `json:"attempts"`
	UpdatedAt   int64     `json:"updated_at"`
}

// Record 组合请求与结果，便于一次读取。
type Record struct {
	Request Request `json:"request"`
	Result  Result  `json:"result"`
}

const (
	CodeProofNotFound  xerrors.Code = "PROOF_NOT_FOUND"
	CodeProofConflict  xerrors.Code = "PROOF_CONFLICT"
	CodeProofFinalized xerrors.Code = "PROOF_FINALIZED"
	CodeProofRunning   xerrors.Code = "PROOF_RUNNING"
	CodeProofPublish   xerrors.Code = "PROOF_PUBLISH_FAILED"
)

var (
	// ErrProofNotFound 表示指定的证明不存在。
	ErrProofNotFound = xerrors.New(CodeProofNotFound, "proof not found")
	// ErrProofConflict 表示证明 ID 已被占用。
	ErrProofConflict = xerrors.New(CodeProofConflict, "proof id already exists")
	// ErrProofFinalized 表示证明结果已进入终态，不允许再次转换。
	ErrProofFinalized = xerrors.New(CodeProofFinalized, "proof result already finalized")
	// ErrProofRunning 表示证明已被其他工作协程领取。
	ErrProofRunning = xerrors.New(CodeProofRunning, "proof already claimed")
)

func init() {
	xerrors.Register(CodeProofNotFound, xerrors.Attributes{
		Message:   "proof not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProofConflict, xerrors.Attributes{
		Message:   "proof id already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProofFinalized, xerrors.Attributes{
		Message:   "proof result already finalized",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProofRunning, xerrors.Attributes{
		Message:   "proof already claimed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProofPublish, xerrors.Attributes{
		Message:   "failed to schedule proof generation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsProofError 判断错误是否为指定的证明表错误。
func IsProofError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range []*xerrors.Error{ErrProofNotFound, ErrProofConflict, ErrProofFinalized, ErrProofRunning} {
		if stdErrors.Is(err, sentinel) {
			return sentinel.Code() == target
		}
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRequest(req Request) Request {
	clone := req
	if req.Arguments != nil {
		clone.Arguments = make([]json.RawMessage, len(req.Arguments))
		for i, arg := range req.Arguments {
			clone.Arguments[i] = append(json.RawMessage(nil), arg...)
		}
	}
	if req.Settlement != nil {
		params := *req.Settlement
		clone.Settlement = &params
	}
	return clone
}

func cloneResult(res Result) Result {
	clone := res
	if res.Artifact != nil {
		artifact := *res.Artifact
		artifact.Proof = append([]byte(nil), res.Artifact.Proof...)
		artifact.PublicInputs = append([]string(nil), res.Artifact.PublicInputs...)
		clone.Artifact = &artifact
	}
	if res.Metrics != nil {
		metrics := *res.Metrics
		clone.Metrics = &metrics
	}
	return clone
}
