package proof

import "context"

// Store 抽象了证明请求与结果表的持久化接口。
type Store interface {
	// Create 登记新请求，并以 Pending 状态建立对应结果。
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (*Record, error)
	// Claim 由生成工作协程调用，保证同一证明只会被执行一次。
	Claim(ctx context.Context, id string) (*Record, error)
	// Release 撤销对 Pending 证明的领取，使其可以再次被领取；其他状态下不做任何事。
	Release(ctx context.Context, id string) error
	// Complete 与 Fail 只在 Pending 状态下生效，否则返回 ErrProofFinalized。
	Complete(ctx context.Context, id string, artifact Artifact, metrics Metrics) error
	Fail(ctx context.Context, id string, code string, detail string) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 聚合了证明状态的统计信息，常用于健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Complete        int   `json:"complete"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
