package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"ZKPay-Chain/internal/auth"
	"ZKPay-Chain/internal/dispatch"
	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/observability/metrics"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/internal/session"
	"ZKPay-Chain/internal/settlement"
	"ZKPay-Chain/internal/storage/mysql"
	"ZKPay-Chain/internal/verify"
	"ZKPay-Chain/pkg/logger"
)

// ProofReader 提供证明表的只读访问。
type ProofReader interface {
	Get(ctx context.Context, id string) (*proof.Record, error)
	List(ctx context.Context, opts proof.ListOptions) ([]*proof.Record, error)
	Stats(ctx context.Context, opts proof.ListOptions) (proof.Stats, error)
}

// VerificationReader 提供验证记录的只读访问。
type VerificationReader interface {
	Records(ctx context.Context, proofID string) ([]verify.Record, error)
}

// SettlementReader 提供结算记录的只读访问。
type SettlementReader interface {
	Get(ctx context.Context, proofID string) (settlement.Record, error)
}

// OutcomeReader 提供终态审计记录的只读访问。
type OutcomeReader interface {
	ListByProof(ctx context.Context, proofID string) ([]mysql.OutcomeRecord, error)
	ListLatest(ctx context.Context, limit int) ([]mysql.OutcomeRecord, error)
}

// Server 暴露 WebSocket 会话入口、证明查询接口、健康检查与指标。
type Server struct {
	addr          string
	dispatcher    *dispatch.Dispatcher
	registry      *session.Registry
	proofs        ProofReader
	verifications VerificationReader
	settlements   SettlementReader
	outcomes      OutcomeReader
	metrics       *metrics.Metrics
	auth          *auth.Service
	ws            wsOptions
	metricsPath   string
}

// Option 定义可选配置。
type Option func(*Server)

// WithProofReader 配置证明表。
func WithProofReader(r ProofReader) Option {
	return func(s *Server) { s.proofs = r }
}

// WithVerificationReader 配置验证记录来源。
func WithVerificationReader(r VerificationReader) Option {
	return func(s *Server) { s.verifications = r }
}

// WithSettlementReader 配置结算记录来源。
func WithSettlementReader(r SettlementReader) Option {
	return func(s *Server) { s.settlements = r }
}

// WithOutcomeReader 配置终态审计记录来源。
func WithOutcomeReader(r OutcomeReader) Option {
	return func(s *Server) { s.outcomes = r }
}

// WithMetrics 配置 Prometheus 指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth 为 WebSocket 握手与查询接口启用令牌校验。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetricsPath 设置指标路径。
func WithMetricsPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithWebSocket 设置 WebSocket 路径与连接参数。
func WithWebSocket(path string, maxMessageBytes int64, writeTimeout time.Duration, allowedOrigins []string) Option {
	return func(s *Server) {
		if path != "" {
			s.ws.path = path
		}
		if maxMessageBytes > 0 {
			s.ws.maxMessageBytes = maxMessageBytes
		}
		if writeTimeout > 0 {
			s.ws.writeTimeout = writeTimeout
		}
		s.ws.allowedOrigins = append([]string(nil), allowedOrigins...)
	}
}

// WithRateLimit 设置每个连接的入站消息速率。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.ws.perSecond = perSecond
		}
		if burst > 0 {
			s.ws.burst = burst
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, dispatcher *dispatch.Dispatcher, registry *session.Registry, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		dispatcher:  dispatcher,
		registry:    registry,
		ws:          defaultWSOptions(),
		metricsPath: "/metrics",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.ws.path, s.auth.Middleware(auth.PermSessionsOpen)(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("GET /healthz", s.instrument("healthz", s.handleHealth))
	read := s.auth.Middleware(auth.PermProofsRead)
	mux.Handle("GET /api/v1/proofs", read(s.instrument("proof_list", s.handleProofList)))
	mux.Handle("GET /api/v1/proofs/{id}", read(s.instrument("proof_detail", s.handleProofDetail)))
	mux.Handle("GET /api/v1/outcomes", read(s.instrument("outcomes", s.handleOutcomes)))
	if s.metrics != nil {
		mux.Handle(s.metricsPath, s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("API 服务已启动", slog.String("addr", s.addr), slog.String("ws_path", s.ws.path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type proofView struct {
	Request       proof.Request         `json:"request"`
	Result        proof.Result          `json:"result"`
	Verifications []verify.Record       `json:"verifications"`
	Settlement    *settlement.Record    `json:"settlement,omitempty"`
	Outcomes      []mysql.OutcomeRecord `json:"outcomes,omitempty"`
}

func (s *Server) handleProofDetail(w http.ResponseWriter, r *http.Request) {
	if s.proofs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, ""))
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()
	record, err := s.proofs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, proof.ErrProofNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	view := proofView{Request: record.Request, Result: record.Result, Verifications: []verify.Record{}}
	// 产物字节可能很大，查询接口只返回承诺与公开输入。
	if view.Result.Artifact != nil {
		artifact := *view.Result.Artifact
		artifact.Proof = nil
		view.Result.Artifact = &artifact
	}
	if s.verifications != nil {
		records, err := s.verifications.Records(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if records != nil {
			view.Verifications = records
		}
	}
	if s.settlements != nil {
		rec, err := s.settlements.Get(ctx, id)
		switch {
		case err == nil:
			view.Settlement = &rec
		case !errors.Is(err, settlement.ErrSettlementNotFound):
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if s.outcomes != nil {
		outcomes, err := s.outcomes.ListByProof(ctx, id)
		if err != nil {
			logger.ForProof(id).Warn("读取终态审计失败", slog.Any("error", err))
		}
		view.Outcomes = outcomes
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, ""))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	outcomes, err := s.outcomes.ListLatest(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if outcomes == nil {
		outcomes = []mysql.OutcomeRecord{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

type healthView struct {
	Status        string        `json:"status"`
	Sessions      session.Stats `json:"sessions"`
	Proofs        *proof.Stats  `json:"proofs,omitempty"`
	DroppedEvents int64         `json:"dropped_events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := healthView{Status: "ok"}
	if s.registry != nil {
		view.Sessions = s.registry.Stats()
	}
	if s.dispatcher != nil {
		view.DroppedEvents = s.dispatcher.Dropped()
	}
	if s.proofs != nil {
		stats, err := s.proofs.Stats(r.Context(), proof.ListOptions{})
		if err != nil {
			view.Status = "degraded"
			logger.L().Warn("读取证明统计失败", slog.Any("error", err))
		} else {
			view.Proofs = &stats
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type errorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, status, errorView{Code: string(xerrors.CodeOf(err)), Message: xerrors.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
		}
	})
}
