package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/pkg/logger"
)

const (
	// CodeRateLimited 表示连接的入站消息超出速率限制。
	CodeRateLimited xerrors.Code = "RATE_LIMITED"
	// CodeUnsupportedFrame 表示收到了非文本帧。
	CodeUnsupportedFrame xerrors.Code = "UNSUPPORTED_FRAME"
)

var (
	errRateLimited      = xerrors.New(CodeRateLimited, "too many messages, slow down")
	errUnsupportedFrame = xerrors.New(CodeUnsupportedFrame, "only text frames are accepted")
)

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:  "too many messages, slow down",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindValidation,
	})
	xerrors.Register(CodeUnsupportedFrame, xerrors.Attributes{
		Message:  "only text frames are accepted",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindValidation,
	})
}

type wsOptions struct {
	path            string
	maxMessageBytes int64
	writeTimeout    time.Duration
	allowedOrigins  []string
	perSecond       float64
	burst           int
}

func defaultWSOptions() wsOptions {
	return wsOptions{
		path:            "/ws",
		maxMessageBytes: 64 << 10,
		writeTimeout:    10 * time.Second,
		perSecond:       20,
		burst:           40,
	}
}

// checkOrigin 未配置白名单时放行所有来源。
func (o wsOptions) checkOrigin(r *http.Request) bool {
	if len(o.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range o.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.ws.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("WebSocket 握手失败", slog.Any("error", err), slog.String("remote", r.RemoteAddr))
		return
	}
	conn.SetReadLimit(s.ws.maxMessageBytes)

	sessionID, events := s.dispatcher.Open()
	log := logger.ForSession(sessionID)
	log.Info("会话已连接", slog.String("remote", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range events {
			_ = conn.SetWriteDeadline(time.Now().Add(s.ws.writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("写出事件失败", slog.String("type", string(ev.Type)), slog.Any("error", err))
				// 继续消费，直到 Close 关闭通道。
				continue
			}
		}
		// 通道关闭也可能来自慢消费者驱逐，此时读循环仍阻塞在连接上。
		_ = conn.SetReadDeadline(time.Now())
	}()

	s.readLoop(r.Context(), conn, sessionID)

	if err := s.dispatcher.Close(sessionID); err != nil {
		log.Warn("关闭会话失败", slog.Any("error", err))
	}
	<-writerDone
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
	log.Info("会话已断开")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	limiter := rate.NewLimiter(rate.Limit(s.ws.perSecond), s.ws.burst)
	log := logger.ForSession(sessionID)
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn("读取消息失败", slog.Any("error", err))
			}
			return
		}
		if kind != websocket.TextMessage {
			s.dispatcher.Reject(sessionID, errUnsupportedFrame)
			continue
		}
		if !limiter.Allow() {
			s.dispatcher.Reject(sessionID, errRateLimited)
			continue
		}
		s.dispatcher.Handle(ctx, sessionID, payload)
	}
}
