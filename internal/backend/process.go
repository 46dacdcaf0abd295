package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/proof"
)

const maxStderrTail = 512

// ProcessEngine 通过外部证明程序生成证明：请求以 JSON 写入 stdin，
// 程序在 stdout 输出 JSON 结果。
type ProcessEngine struct {
	executable string
	args       []string
	workingDir string
}

// NewProcessEngine 创建外部进程引擎。
func NewProcessEngine(executable string, args []string, workingDir string) (*ProcessEngine, error) {
	if strings.TrimSpace(executable) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "prover executable is required")
	}
	return &ProcessEngine{
		executable: executable,
		args:       append([]string(nil), args...),
		workingDir: workingDir,
	}, nil
}

type processRequest struct {
	ProofID   string   `json:"proof_id"`
	Kind      string   `json:"kind"`
	Function  string   `json:"function"`
	Arguments []string `json:"arguments"`
	StepSize  int      `json:"step_size"`
	Timestamp int64    `json:"timestamp"`
}

type processResponse struct {
	Proof              string   `json:"proof"`
	PublicInputs       []string `json:"public_inputs"`
	Commitment         string   `json:"commitment"`
	GenerationTimeSecs float64  `json:"generation_time_secs"`
	Error              string   `json:"error"`
}

// Prove 调用外部程序，并解析输出。
func (e *ProcessEngine) Prove(ctx context.Context, inv Invocation) (Output, error) {
	encoded, err := json.Marshal(processRequest{
		ProofID:   inv.ProofID,
		Kind:      string(inv.Kind),
		Function:  inv.Function.Name,
		Arguments: argStrings(inv.Args),
		StepSize:  inv.StepSize,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return Output{}, xerrors.Wrap(CodeBackendError, err, "encode prover request")
	}

	command := exec.CommandContext(ctx, e.executable, e.args...)
	if e.workingDir != "" {
		command.Dir = e.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Output{}, engineContextError(ctx)
		}
		return Output{}, xerrors.Wrap(CodeBackendError,
			fmt.Errorf("%w, stderr=%s", err, tail(stderr.String())),
			"prover process exited with an error")
	}
	elapsed := time.Since(started)

	var resp processResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Output{}, xerrors.Wrap(CodeBackendError, err, "prover output is not valid JSON")
	}
	if resp.Error != "" {
		return Output{}, xerrors.New(CodeBackendError, "prover reported failure",
			xerrors.WithMetadata("prover_error", resp.Error))
	}
	raw, err := hexutil.Decode(resp.Proof)
	if err != nil || len(raw) == 0 {
		return Output{}, xerrors.New(CodeBackendError, "prover returned an empty or malformed proof")
	}

	genSecs := resp.GenerationTimeSecs
	if genSecs <= 0 {
		genSecs = elapsed.Seconds()
	}
	return Output{
		Artifact: proof.Artifact{
			Proof:        raw,
			PublicInputs: resp.PublicInputs,
			Commitment:   resp.Commitment,
		},
		Metrics: proof.Metrics{
			GenerationTimeSecs: genSecs,
			ProofSize:          len(raw),
			TimeMs:             elapsed.Milliseconds(),
		},
	}, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		return s[len(s)-maxStderrTail:]
	}
	return s
}

// ResolveExecutable 根据工作目录推导证明程序的路径，裸命令名保持不变以便走 PATH 查找。
func ResolveExecutable(baseDir, executable string) string {
	if executable == "" || filepath.IsAbs(executable) || baseDir == "" {
		return executable
	}
	if !strings.ContainsRune(executable, filepath.Separator) {
		return executable
	}
	return filepath.Join(baseDir, executable)
}

var _ Engine = (*ProcessEngine)(nil)
