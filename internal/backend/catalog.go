package backend

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/proof"
)

// ScalarType 描述参数在证明电路中的标量类型。
type ScalarType string

const (
	TypeInt32   ScalarType = "i32"
	TypeInt64   ScalarType = "i64"
	TypeUint256 ScalarType = "u256"
	TypeBytes32 ScalarType = "bytes32"
)

var (
	minInt32 = big.NewInt(-1 << 31)
	maxInt32 = big.NewInt(1<<31 - 1)
	minInt64 = new(big.Int).SetInt64(-1 << 63)
	maxInt64 = new(big.Int).SetInt64(1<<63 - 1)
)

// Param 是函数签名中的一个参数。Optional 只允许出现在尾部，Variadic 只允许是最后一个。
type Param struct {
	Name     string     `json:"name"`
	Type     ScalarType `json:"type"`
	Optional bool       `json:"optional,omitempty"`
	Variadic bool       `json:"variadic,omitempty"`
	// MinCount 仅对 Variadic 参数生效。
	MinCount int `json:"min_count,omitempty"`
}

// FunctionSpec 描述某个后端类别下可调用的证明函数。
type FunctionSpec struct {
	Kind        proof.Kind `json:"kind"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Params      []Param    `json:"params"`
}

// Scalar 是转换后的参数值。
type Scalar struct {
	Type  ScalarType
	Value *big.Int
}

// String 以十进制输出数值，bytes32 以 0x 前缀的 32 字节十六进制输出。
func (s Scalar) String() string {
	if s.Value == nil {
		return ""
	}
	if s.Type == TypeBytes32 {
		return common.BigToHash(s.Value).Hex()
	}
	return s.Value.String()
}

// Catalog 是 (kind, function) 到函数签名的静态表。
type Catalog struct {
	functions map[proof.Kind]map[string]FunctionSpec
}

// NewCatalog 根据给定的函数签名构造目录，重复登记时后者覆盖前者。
func NewCatalog(specs ...FunctionSpec) *Catalog {
	c := &Catalog{functions: make(map[proof.Kind]map[string]FunctionSpec)}
	for _, spec := range specs {
		c.Register(spec)
	}
	return c
}

// Register 登记一个函数签名。
func (c *Catalog) Register(spec FunctionSpec) {
	if c.functions[spec.Kind] == nil {
		c.functions[spec.Kind] = make(map[string]FunctionSpec)
	}
	c.functions[spec.Kind][spec.Name] = spec
}

// Lookup 查找函数签名。
func (c *Catalog) Lookup(kind proof.Kind, name string) (FunctionSpec, bool) {
	if c == nil {
		return FunctionSpec{}, false
	}
	spec, ok := c.functions[kind][name]
	return spec, ok
}

// Functions 按类别与名称排序返回全部函数签名。
func (c *Catalog) Functions() []FunctionSpec {
	var specs []FunctionSpec
	for _, byName := range c.functions {
		for _, spec := range byName {
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Kind == specs[j].Kind {
			return specs[i].Name < specs[j].Name
		}
		return specs[i].Kind < specs[j].Kind
	})
	return specs
}

// Convert 按签名把原始 JSON 参数转换成标量，任何不匹配都返回 INVALID_ARGUMENT_SHAPE。
func (spec FunctionSpec) Convert(args []json.RawMessage) ([]Scalar, error) {
	required, maxArgs := spec.arity()
	if len(args) < required || (maxArgs >= 0 && len(args) > maxArgs) {
		return nil, shapeError(spec, fmt.Sprintf("%s expects %s, got %d", spec.Name, spec.arityText(), len(args)))
	}

	scalars := make([]Scalar, 0, len(args))
	for i, raw := range args {
		param := spec.paramAt(i)
		value, err := convertScalar(param.Type, raw)
		if err != nil {
			return nil, shapeError(spec, fmt.Sprintf("argument %d (%s) %v", i, param.Name, err))
		}
		scalars = append(scalars, Scalar{Type: param.Type, Value: value})
	}
	return scalars, nil
}

// arity 返回最少参数个数与最多参数个数，-1 表示不设上限。
func (spec FunctionSpec) arity() (int, int) {
	required := 0
	for _, p := range spec.Params {
		switch {
		case p.Variadic:
			required += p.MinCount
			return required, -1
		case !p.Optional:
			required++
		}
	}
	return required, len(spec.Params)
}

func (spec FunctionSpec) arityText() string {
	required, maxArgs := spec.arity()
	switch {
	case maxArgs < 0:
		return fmt.Sprintf("at least %d arguments", required)
	case required == maxArgs:
		return fmt.Sprintf("%d arguments", required)
	default:
		return fmt.Sprintf("%d to %d arguments", required, maxArgs)
	}
}

func (spec FunctionSpec) paramAt(i int) Param {
	if i < len(spec.Params) {
		return spec.Params[i]
	}
	return spec.Params[len(spec.Params)-1]
}

func convertScalar(typ ScalarType, raw json.RawMessage) (*big.Int, error) {
	text, err := scalarText(raw)
	if err != nil {
		return nil, err
	}
	if typ == TypeBytes32 {
		if !strings.HasPrefix(text, "0x") && !strings.HasPrefix(text, "0X") {
			return nil, fmt.Errorf("must be a 0x-prefixed 32-byte hex string")
		}
		decoded, err := hexutil.Decode(text)
		if err != nil || len(decoded) != common.HashLength {
			return nil, fmt.Errorf("must be a 0x-prefixed 32-byte hex string")
		}
		return new(big.Int).SetBytes(decoded), nil
	}

	value, ok := math.ParseBig256(text)
	if !ok {
		return nil, fmt.Errorf("is not an integer: %q", text)
	}
	switch typ {
	case TypeInt32:
		if value.Cmp(minInt32) < 0 || value.Cmp(maxInt32) > 0 {
			return nil, fmt.Errorf("overflows i32: %s", text)
		}
	case TypeInt64:
		if value.Cmp(minInt64) < 0 || value.Cmp(maxInt64) > 0 {
			return nil, fmt.Errorf("overflows i64: %s", text)
		}
	case TypeUint256:
		if value.Sign() < 0 {
			return nil, fmt.Errorf("must be non-negative: %s", text)
		}
	default:
		return nil, fmt.Errorf("has unsupported type %s", typ)
	}
	return value, nil
}

// scalarText 接受 JSON 字符串或 JSON 数字，其余形态一律拒绝。
func scalarText(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "", fmt.Errorf("is empty")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return "", fmt.Errorf("is not a valid string")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("is empty")
		}
		return s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal([]byte(trimmed), &n); err != nil {
			return "", fmt.Errorf("is not a valid number")
		}
		return n.String(), nil
	default:
		return "", fmt.Errorf("must be a string or number scalar")
	}
}

func shapeError(spec FunctionSpec, detail string) error {
	return xerrors.New(CodeInvalidArgumentShape, detail,
		xerrors.WithMetadata("function", spec.Name),
		xerrors.WithMetadata("kind", string(spec.Kind)))
}

func uint256Params(names ...string) []Param {
	params := make([]Param, len(names))
	for i, name := range names {
		params[i] = Param{Name: name, Type: TypeUint256}
	}
	return params
}

// DefaultCatalog 返回演示系统内置的函数目录。
func DefaultCatalog() *Catalog {
	return NewCatalog(
		FunctionSpec{
			Kind:        proof.KindGeneric,
			Name:        "prove_kyc",
			Description: "Prove a wallet passed KYC at or above a level without revealing identity.",
			Params: []Param{
				{Name: "subject_id", Type: TypeInt64},
				{Name: "kyc_level", Type: TypeInt32},
			},
		},
		FunctionSpec{
			Kind:        proof.KindGeneric,
			Name:        "prove_location",
			Description: "Prove a device is inside an allowed region.",
			Params: []Param{
				{Name: "device_id", Type: TypeInt64},
				{Name: "x", Type: TypeInt32},
				{Name: "y", Type: TypeInt32},
			},
		},
		FunctionSpec{
			Kind:        proof.KindGeneric,
			Name:        "prove_device_proximity",
			Description: "Prove a device is within range of the reference point.",
			Params: []Param{
				{Name: "x", Type: TypeInt32},
				{Name: "y", Type: TypeInt32},
				{Name: "device_id", Type: TypeInt64, Optional: true},
			},
		},
		FunctionSpec{
			Kind:        proof.KindGeneric,
			Name:        "prove_ai_content",
			Description: "Prove content was produced by an attested model.",
			Params: []Param{
				{Name: "content_hash", Type: TypeUint256},
				{Name: "authenticity_score", Type: TypeInt32},
			},
		},
		FunctionSpec{
			Kind:        proof.KindDecisionCircuit,
			Name:        "authorize_transfer",
			Description: "Prove an agent's transfer authorization decision.",
			Params:      uint256Params("agent_type", "amount_normalized", "operation", "risk_score"),
		},
		FunctionSpec{
			Kind:        proof.KindDecisionCircuit,
			Name:        "llm_decision",
			Description: "Prove an LLM approval decision over input, process and output checks.",
			Params: uint256Params(
				"prompt_hash", "system_instructions_hash", "context_window_hash", "temperature", "model_checkpoint",
				"token_probability", "top_k", "attention_pattern", "reasoning_chain", "confidence_calibration",
				"output_format", "safety_check", "decision_boundary", "final_decision",
			),
		},
		FunctionSpec{
			Kind:        proof.KindRecursiveAccumulator,
			Name:        "fold_proofs",
			Description: "Fold individual proof commitments into one accumulated proof.",
			Params: []Param{
				{Name: "commitments", Type: TypeBytes32, Variadic: true, MinCount: 2},
			},
		},
	)
}
