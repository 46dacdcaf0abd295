package zkpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrClosed is returned once the session connection has been closed.
var ErrClosed = errors.New("zkpay: session closed")

// Event mirrors a single outbound event of a session.
type Event struct {
	Type        string   `json:"type"`
	Message     string   `json:"message,omitempty"`
	Code        string   `json:"code,omitempty"`
	ProofID     string   `json:"proofId,omitempty"`
	Status      string   `json:"status,omitempty"`
	Metrics     *Metrics `json:"metrics,omitempty"`
	ErrorDetail string   `json:"errorDetail,omitempty"`
	TargetChain string   `json:"targetChain,omitempty"`
	Verdict     string   `json:"verdict,omitempty"`
	TxHash      string   `json:"txHash,omitempty"`
	Result      string   `json:"result,omitempty"`
	Amount      string   `json:"amount,omitempty"`
}

// Metrics carries the performance figures of a generated proof.
type Metrics struct {
	GenerationTimeSecs float64 `json:"generation_time_secs"`
	ProofSize          int     `json:"proof_size"`
	TimeMs             int64   `json:"time_ms"`
}

// ProofRequest describes a proof to generate.
type ProofRequest struct {
	Function    string `json:"function"`
	Arguments   []any  `json:"arguments"`
	StepSize    int    `json:"step_size"`
	Explanation string `json:"explanation,omitempty"`
	BackendKind string `json:"-"`
	// Amount requests a settlement of the given minor units once verified.
	Amount            string `json:"-"`
	DestinationDomain uint32 `json:"-"`
}

type settlementPayload struct {
	Amount            string `json:"amount"`
	DestinationDomain uint32 `json:"destination_domain,omitempty"`
}

type outbound struct {
	Metadata    *ProofRequest      `json:"metadata,omitempty"`
	BackendKind string             `json:"backendKind,omitempty"`
	Settlement  *settlementPayload `json:"settlement,omitempty"`
	Message     *string            `json:"message,omitempty"`
}

// APIError represents a failed REST call.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("zkpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("zkpay api error (%d): %s", e.StatusCode, e.Message)
}

// Session is a single websocket session with the orchestrator.
type Session struct {
	conn   *websocket.Conn
	events chan Event

	writeMu sync.Mutex
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

// Dial opens a session at the websocket endpoint, e.g. ws://host:8080/ws.
func Dial(ctx context.Context, endpoint string) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial session: %w", err)
	}
	s := &Session{conn: conn, events: make(chan Event, 64), done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Events returns the channel of inbound events. It closes when the
// connection ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Err reports the error that ended the read loop, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SubmitProof sends a proof request. The server answers with a proof_status
// acknowledgement carrying the assigned proof id.
func (s *Session) SubmitProof(req ProofRequest) error {
	msg := outbound{Metadata: &req, BackendKind: req.BackendKind}
	if req.Amount != "" {
		msg.Settlement = &settlementPayload{Amount: req.Amount, DestinationDomain: req.DestinationDomain}
	}
	return s.write(msg)
}

// SendMessage sends a free-text message.
func (s *Session) SendMessage(text string) error {
	return s.write(outbound{Message: &text})
}

func (s *Session) write(msg outbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// AwaitAck waits for the next acknowledgement or error event.
func (s *Session) AwaitAck(ctx context.Context) (Event, error) {
	return s.await(ctx, func(ev Event) bool {
		return ev.Type == "proof_status" || ev.Type == "error"
	})
}

// AwaitProof collects the events of proofID until one of the given terminal
// types arrives. Events of other proofs are discarded.
func (s *Session) AwaitProof(ctx context.Context, proofID string, terminal ...string) ([]Event, error) {
	if len(terminal) == 0 {
		terminal = []string{"proof_complete", "proof_error"}
	}
	var collected []Event
	_, err := s.await(ctx, func(ev Event) bool {
		if ev.ProofID != proofID {
			return false
		}
		collected = append(collected, ev)
		for _, kind := range terminal {
			if ev.Type == kind {
				return true
			}
		}
		return false
	})
	return collected, err
}

func (s *Session) await(ctx context.Context, match func(Event) bool) (Event, error) {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				if err := s.Err(); err != nil {
					return Event{}, fmt.Errorf("%w: %v", ErrClosed, err)
				}
				return Event{}, ErrClosed
			}
			if match(ev) {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close ends the session.
func (s *Session) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// ProofView is the REST representation of a proof and its downstream state.
type ProofView struct {
	Request       map[string]any   `json:"request"`
	Result        map[string]any   `json:"result"`
	Verifications []map[string]any `json:"verifications"`
	Settlement    map[string]any   `json:"settlement,omitempty"`
	Outcomes      []map[string]any `json:"outcomes,omitempty"`
}

// Client wraps the REST query endpoints.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient instantiates a REST client. When httpClient is nil, a default
// client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SessionURL derives the websocket endpoint from the REST base url.
func (c *Client) SessionURL(wsPath string) string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if wsPath == "" {
		wsPath = "/ws"
	}
	u.Path = path.Join(u.Path, wsPath)
	return u.String()
}

// GetProof fetches a proof together with its verification and settlement state.
func (c *Client) GetProof(ctx context.Context, proofID string) (ProofView, error) {
	var view ProofView
	if err := c.get(ctx, "/api/v1/proofs/"+url.PathEscape(proofID), nil, &view); err != nil {
		return ProofView{}, err
	}
	return view, nil
}

// ProofSummary is one row of the proof listing.
type ProofSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Function  string `json:"function"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	Amount    string `json:"amount,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ListFilter narrows ListProofs. Zero fields are not sent.
type ListFilter struct {
	Statuses  []string
	Kinds     []string
	Session   string
	Function  string
	Limit     int
	Offset    int
	Ascending bool
}

func (f ListFilter) values() url.Values {
	q := url.Values{}
	if len(f.Statuses) > 0 {
		q.Set("status", strings.Join(f.Statuses, ","))
	}
	if len(f.Kinds) > 0 {
		q.Set("kind", strings.Join(f.Kinds, ","))
	}
	if f.Session != "" {
		q.Set("session", f.Session)
	}
	if f.Function != "" {
		q.Set("function", f.Function)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", fmt.Sprint(f.Offset))
	}
	if f.Ascending {
		q.Set("order", "asc")
	}
	return q
}

// ListProofs returns proof summaries matching the filter, most recently updated first
// unless Ascending is set.
func (c *Client) ListProofs(ctx context.Context, filter ListFilter) ([]ProofSummary, error) {
	var out []ProofSummary
	if err := c.get(ctx, "/api/v1/proofs", filter.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(bytes.TrimSpace(data)))
		}
		return &apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
