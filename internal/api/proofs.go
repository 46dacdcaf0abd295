package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/internal/proof"
)

// proofSummary 是列表接口返回的精简视图，不含参数与产物。
type proofSummary struct {
	ID        string       `json:"id"`
	Kind      proof.Kind   `json:"kind"`
	Function  string       `json:"function"`
	SessionID string       `json:"session_id"`
	Status    proof.Status `json:"status"`
	ErrorCode string       `json:"error_code,omitempty"`
	Amount    string       `json:"amount,omitempty"`
	CreatedAt int64        `json:"created_at"`
	UpdatedAt int64        `json:"updated_at"`
}

func summarize(rec *proof.Record) proofSummary {
	out := proofSummary{
		ID:        rec.Request.ID,
		Kind:      rec.Request.Kind,
		Function:  rec.Request.Function,
		SessionID: rec.Request.OwnerSessionID,
		Status:    rec.Result.Status,
		ErrorCode: rec.Result.ErrorCode,
		CreatedAt: rec.Request.CreatedAt,
		UpdatedAt: rec.Result.UpdatedAt,
	}
	if rec.Request.Settlement != nil {
		out.Amount = rec.Request.Settlement.Amount
	}
	return out
}

func (s *Server) handleProofList(w http.ResponseWriter, r *http.Request) {
	if s.proofs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, ""))
		return
	}
	opts, err := parseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.proofs.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]proofSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, summarize(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// parseListQuery 支持 status、kind 的逗号分隔或重复参数，
// 以及 session、function、since（Unix 秒）、limit、offset、order=asc。
func parseListQuery(q url.Values) (proof.ListOptions, error) {
	var opts []proof.ListOption

	if statuses := splitValues(q["status"]); len(statuses) > 0 {
		parsed := make([]proof.Status, 0, len(statuses))
		for _, raw := range statuses {
			st := proof.Status(raw)
			if !proof.IsValidStatus(st) {
				return proof.ListOptions{}, invalidQuery("status", raw)
			}
			parsed = append(parsed, st)
		}
		opts = append(opts, proof.WithStatuses(parsed...))
	}
	if kinds := splitValues(q["kind"]); len(kinds) > 0 {
		parsed := make([]proof.Kind, 0, len(kinds))
		for _, raw := range kinds {
			kind, ok := proof.ParseKind(raw)
			if !ok {
				return proof.ListOptions{}, invalidQuery("kind", raw)
			}
			parsed = append(parsed, kind)
		}
		opts = append(opts, proof.WithKinds(parsed...))
	}
	if v := q.Get("session"); v != "" {
		opts = append(opts, proof.WithSession(v))
	}
	if v := q.Get("function"); v != "" {
		opts = append(opts, proof.WithFunction(v))
	}
	for _, field := range []struct {
		name  string
		apply func(int64) proof.ListOption
	}{
		{"limit", func(n int64) proof.ListOption { return proof.WithLimit(int(n)) }},
		{"offset", func(n int64) proof.ListOption { return proof.WithOffset(int(n)) }},
		{"since", func(n int64) proof.ListOption { return proof.WithUpdatedSince(time.Unix(n, 0)) }},
	} {
		raw := q.Get(field.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return proof.ListOptions{}, invalidQuery(field.name, raw)
		}
		opts = append(opts, field.apply(n))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, proof.WithSortOrder(proof.SortByUpdatedAsc))
	default:
		return proof.ListOptions{}, invalidQuery("order", q.Get("order"))
	}
	return proof.BuildListOptions(opts...), nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func invalidQuery(name, value string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "invalid query parameter "+name+"="+value)
}
