package proof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ZKPay-Chain/internal/errors"
	"ZKPay-Chain/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现可靠队列：BLMOVE 把证明 ID 原子地移入
// processing 列表，处理完成后再删除，进程崩溃时可由 Recover 重新投递。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisQueue(client, cfg), nil
}

// NewRedisQueueWithClient 复用已有的 Redis 客户端。
func NewRedisQueueWithClient(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	return newRedisQueue(client, cfg)
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "zkpay:proofs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, processing: queue + ":processing", wait: wait}
}

// Publish 将证明投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, proofID string) error {
	if err := q.client.LPush(ctx, q.queue, proofID).Err(); err != nil {
		return xerrors.Wrap(CodeProofPublish, err, "Redis 发布证明失败")
	}
	return nil
}

// Recover 将 processing 列表中遗留的证明移回主队列，通常在启动时调用一次。
// 上次进程在处理中途退出时领取标记仍在，store 非空时逐个释放，否则重新投递后会被当作运行中跳过。
func (q *RedisQueue) Recover(ctx context.Context, store Store) (int, error) {
	moved := 0
	for {
		proofID, err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("Redis 恢复遗留证明失败: %w", err)
		}
		moved++
		if store == nil {
			continue
		}
		if err := store.Release(ctx, proofID); err != nil && !errors.Is(err, ErrProofNotFound) {
			return moved, fmt.Errorf("释放遗留证明 %s 失败: %w", proofID, err)
		}
	}
}

// Consume 启动工作协程，通过 BLMOVE 领取证明。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				proofID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						return
					}
					errCh <- fmt.Errorf("Redis 取证明失败: %w", err)
					return
				}
				if handlerErr := handler(ctx, proofID); handlerErr != nil && xerrors.RetryableError(handlerErr) {
					if err := q.client.LPush(ctx, q.queue, proofID).Err(); err != nil {
						logger.L().Error("证明重新入队失败", slog.String("proof_id", proofID), slog.Any("error", err))
					}
				}
				if err := q.client.LRem(ctx, q.processing, 1, proofID).Err(); err != nil {
					logger.L().Warn("清理 processing 列表失败", slog.String("proof_id", proofID), slog.Any("error", err))
				}
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case result = <-errCh:
		cancel()
	}
	wg.Wait()
	return result
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
