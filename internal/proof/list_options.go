package proof

import (
	"slices"
	"time"
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 描述证明表的筛选与分页条件，零值表示最近更新的前 20 条。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Kinds      []Kind
	SessionID  string
	Function   string
	UpdatedGTE int64
	Order      SortOrder
}

func (opts *ListOptions) applyDefaults() {
	opts.Limit = min(max(opts.Limit, 0), maxListLimit)
	if opts.Limit == 0 {
		opts.Limit = defaultListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption   { return func(o *ListOptions) { o.Limit = limit } }
func WithOffset(offset int) ListOption { return func(o *ListOptions) { o.Offset = offset } }

func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

func WithKinds(kinds ...Kind) ListOption {
	return func(o *ListOptions) { o.Kinds = slices.Clone(kinds) }
}

// WithSession 只保留指定会话发起的证明。
func WithSession(sessionID string) ListOption {
	return func(o *ListOptions) { o.SessionID = sessionID }
}

// WithFunction 只保留指定函数的证明。
func WithFunction(function string) ListOption {
	return func(o *ListOptions) { o.Function = function }
}

// WithUpdatedSince 只保留不早于 ts 更新的证明，零值表示不限制。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) {
		o.UpdatedGTE = 0
		if !ts.IsZero() {
			o.UpdatedGTE = ts.Unix()
		}
	}
}

func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// BuildListOptions 依次应用选项并补齐默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// normalizeStatuses 去重并丢弃未知状态；结果为空时返回 nil，表示不按状态过滤。
func normalizeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}
