package proof

import (
	"context"
)

// Handler 处理来自生成队列的证明 ID。
type Handler func(ctx context.Context, proofID string) error

// Producer 负责向生成队列投递证明。
type Producer interface {
	Publish(ctx context.Context, proofID string) error
	Close() error
}

// Consumer 负责从生成队列中消费证明。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
