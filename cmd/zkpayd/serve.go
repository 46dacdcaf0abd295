package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ZKPay-Chain/internal/api"
	"ZKPay-Chain/internal/auth"
	"ZKPay-Chain/internal/backend"
	"ZKPay-Chain/internal/config"
	"ZKPay-Chain/internal/dispatch"
	"ZKPay-Chain/internal/guidance"
	"ZKPay-Chain/internal/observability/alerting"
	"ZKPay-Chain/internal/observability/metrics"
	"ZKPay-Chain/internal/proof"
	"ZKPay-Chain/internal/retry"
	"ZKPay-Chain/internal/session"
	"ZKPay-Chain/internal/settlement"
	"ZKPay-Chain/internal/settlement/circle"
	"ZKPay-Chain/internal/storage/mysql"
	"ZKPay-Chain/internal/storage/redis"
	"ZKPay-Chain/internal/verify"
	"ZKPay-Chain/internal/web3/provider"
	"ZKPay-Chain/pkg/logger"
)

func serve(ctx context.Context, cfg *config.Config) error {
	rotation := logger.Rotation{
		MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
		MaxBackups: cfg.Logging.Audit.MaxBackups,
		MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		Compress:   cfg.Logging.Audit.Compress,
	}
	if err := logger.Init(logger.Config{
		Service:     "zkpayd",
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Rotation:    rotation,
		Audit: logger.AuditConfig{
			Enabled:  cfg.Logging.Audit.Enabled,
			Path:     cfg.Logging.Audit.Path,
			Rotation: rotation,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("zkpayd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	alerts := newAlertDispatcher(cfg.Alerting)

	proofs, err := openProofStore(ctx, cfg.Storage.ProofStore)
	if err != nil {
		return err
	}
	defer proofs.Close()

	queue, err := openQueue(ctx, cfg.Queue, proofs)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭生成队列失败", slog.Any("error", err))
		}
	}()

	catalog := backend.DefaultCatalog()
	adapterOpts := []backend.AdapterOption{
		backend.WithCatalog(catalog),
		backend.WithMaxStepSize(cfg.Proof.MaxStepSize),
	}
	for name, engineCfg := range cfg.Proof.Engines {
		kind, ok := proof.ParseKind(name)
		if !ok {
			return fmt.Errorf("未知的证明后端类别 %q", name)
		}
		engine, err := newEngine(engineCfg)
		if err != nil {
			return fmt.Errorf("初始化 %s 引擎失败: %w", name, err)
		}
		adapterOpts = append(adapterOpts, backend.WithEngine(kind, engine))
	}
	adapter := backend.NewAdapter(proofs, queue, adapterOpts...)

	registry := session.NewRegistry(session.WithObserver(m))

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	outcomes, err := openOutcomeStore(ctx, cfg)
	if err != nil {
		return err
	}
	if outcomes != nil {
		defer outcomes.Close()
	}

	guide := guidance.Builtin(catalog, cfg.Guidance.MaxResults)
	if cfg.Guidance.Source != "" {
		loaded, err := guidance.LoadStaticProvider(cfg.Guidance.Source, catalog, cfg.Guidance.MaxResults)
		if err != nil {
			return err
		}
		guide = loaded
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithGuidance(guide),
		dispatch.WithObserver(m),
		dispatch.WithMaxStepSize(cfg.Proof.MaxStepSize),
		dispatch.WithOutboundBuffer(cfg.Server.OutboundBuffer),
	}
	if outcomes != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithOutcomeSink(outcomes))
	}
	dispatcher := dispatch.New(registry, adapter, proofs, dispatchOpts...)

	processor := backend.NewProcessor(adapter, proofs, queue,
		backend.WithListener(dispatcher),
		backend.WithWorkerCount(cfg.Proof.Workers),
		backend.WithEngineTimeout(cfg.Proof.EngineTimeout()),
		backend.WithObserver(m),
		backend.WithAlertDispatcher(alerts),
		backend.WithProcessorLogger(logger.Named("processor")),
	)

	coordinator := verify.NewCoordinator(proofs, chains, verify.NewMemoryStore(),
		verify.WithListener(dispatcher),
		verify.WithPolicy(retry.Policy{
			MaxAttempts:     cfg.Verification.MaxAttempts,
			InitialInterval: time.Duration(cfg.Verification.InitialBackoffMs) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Verification.MaxBackoffMs) * time.Millisecond,
			Multiplier:      2,
		}),
		verify.WithPollInterval(time.Duration(cfg.Verification.PollIntervalMs)*time.Millisecond),
		verify.WithConfirmTimeout(time.Duration(cfg.Verification.ConfirmTimeoutSeconds)*time.Second),
		verify.WithWorkers(cfg.Verification.Workers),
		verify.WithDefaultTargets(cfg.Verification.Targets),
		verify.WithObserver(m),
		verify.WithAlertDispatcher(alerts),
	)

	gateway, err := newGateway(cfg.Settlement.Gateway)
	if err != nil {
		return err
	}
	triggerOpts := []settlement.Option{
		settlement.WithListener(dispatcher),
		settlement.WithEnabled(cfg.Settlement.Enabled),
		settlement.WithPolicy(retry.Policy{
			MaxAttempts:     cfg.Settlement.MaxAttempts,
			InitialInterval: time.Duration(cfg.Settlement.InitialBackoffMs) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Settlement.MaxBackoffMs) * time.Millisecond,
			Multiplier:      2,
		}),
		settlement.WithDefaults(settlement.Defaults{
			Amount:            cfg.Settlement.DefaultAmount,
			SourceDomain:      cfg.Settlement.SourceDomain,
			DestinationDomain: cfg.Settlement.DefaultDestinationDomain,
		}),
		settlement.WithObserver(m),
		settlement.WithAlertDispatcher(alerts),
	}
	if cfg.Settlement.Dedup.Driver == "redis" {
		guard, err := redis.NewOnceLock(ctx, redis.Config{
			Address:  cfg.Settlement.Dedup.Address,
			Password: cfg.Settlement.Dedup.Password,
			DB:       cfg.Settlement.Dedup.DB,
			Prefix:   cfg.Settlement.Dedup.Prefix,
			TTL:      time.Duration(cfg.Settlement.Dedup.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer guard.Close()
		triggerOpts = append(triggerOpts, settlement.WithGuard(guard))
	}
	trigger := settlement.NewTrigger(proofs, settlement.NewMemoryStore(), gateway, triggerOpts...)

	if cfg.Verification.Enabled {
		dispatcher.Bind(coordinator, trigger)
	} else {
		log.Warn("链上验证已关闭，证明完成后不会提交验证与结算")
	}

	authSvc, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}

	serverOpts := []api.Option{
		api.WithAuth(authSvc),
		api.WithProofReader(proofs),
		api.WithVerificationReader(coordinator),
		api.WithSettlementReader(trigger),
		api.WithMetrics(m),
		api.WithMetricsPath(cfg.Server.MetricsPath),
		api.WithWebSocket(cfg.Server.WSPath, cfg.Server.MaxMessageBytes, cfg.Server.WriteTimeout(), cfg.Server.AllowedOrigins),
		api.WithRateLimit(cfg.Server.MessagesPerSecond, cfg.Server.MessageBurst),
	}
	if outcomes != nil {
		serverOpts = append(serverOpts, api.WithOutcomeReader(outcomes))
	}
	server := api.NewServer(cfg.Server.Address, dispatcher, registry, serverOpts...)

	log.Info("zkpayd 启动",
		slog.String("proof_store", cfg.Storage.ProofStore.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Any("chains", chains.Targets()),
		slog.String("gateway", cfg.Settlement.Gateway.Provider),
		slog.Bool("settlement", cfg.Settlement.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(coordinator.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(trigger.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openProofStore(ctx context.Context, cfg config.ProofStoreConfig) (proof.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return proof.NewMemoryStore(), nil
	case "mysql":
		return proof.NewMySQLStore(ctx, proof.MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig, proofs proof.Store) (proof.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return proof.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		q, err := proof.NewRedisQueue(ctx, proof.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		// 上次退出时已领取但未处理完的证明释放领取后重新入队，已终结的证明由 Claim 跳过。
		moved, err := q.Recover(ctx, proofs)
		if err != nil {
			_ = q.Close()
			return nil, err
		}
		if moved > 0 {
			logger.L().Info("已恢复遗留的生成任务", slog.Int("count", moved))
		}
		return q, nil
	case "rabbitmq":
		return proof.NewRabbitMQQueue(proof.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func openOutcomeStore(ctx context.Context, cfg *config.Config) (mysql.OutcomeRepository, error) {
	switch cfg.Storage.Audit.Driver {
	case "none":
		return nil, nil
	case "", "file":
		return mysql.NewFileOutcomeRepository(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLOutcomeRepository(ctx, mysql.Config{DSN: cfg.Storage.Audit.DSN})
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func newEngine(cfg config.EngineConfig) (backend.Engine, error) {
	switch cfg.Mode {
	case "", "simulated":
		var opts []backend.SimulatedOption
		if cfg.SimulatedDelayMs > 0 {
			opts = append(opts, backend.WithSimulatedDelay(time.Duration(cfg.SimulatedDelayMs)*time.Millisecond))
		}
		return backend.NewSimulatedEngine(opts...), nil
	case "process":
		executable := backend.ResolveExecutable(cfg.WorkingDir, cfg.Executable)
		return backend.NewProcessEngine(executable, cfg.Args, cfg.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的引擎模式: %s", cfg.Mode)
	}
}

func newGateway(cfg config.GatewayConfig) (settlement.Gateway, error) {
	switch cfg.Provider {
	case "", "simulated":
		return settlement.NewSimulatedGateway(), nil
	case "circle":
		key, err := provider.LoadSignerKey(cfg.SignerKeyEnv)
		if err != nil {
			return nil, err
		}
		circleCfg := circle.Config{
			BaseURL:              cfg.BaseURL,
			APIKey:               strings.TrimSpace(os.Getenv(cfg.APIKeyEnv)),
			Timeout:              time.Duration(cfg.TimeoutSeconds) * time.Second,
			Key:                  key,
			SourceContract:       cfg.SourceContract,
			DestinationContract:  cfg.DestinationContract,
			SourceToken:          cfg.SourceToken,
			DestinationToken:     cfg.DestinationToken,
			DestinationRecipient: cfg.DestinationRecipient,
		}
		if cfg.MaxFee != "" {
			fee, err := settlement.ParseAmount(cfg.MaxFee)
			if err != nil {
				return nil, fmt.Errorf("解析 max_fee 失败: %w", err)
			}
			circleCfg.MaxFee = fee
		}
		return circle.NewGateway(circleCfg)
	default:
		return nil, fmt.Errorf("未知的支付网关: %s", cfg.Provider)
	}
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

func newAuthService(cfg config.AuthConfig) (*auth.Service, error) {
	return auth.NewService(auth.Config{
		Mode:     auth.Mode(cfg.Mode),
		Secret:   strings.TrimSpace(os.Getenv(cfg.SecretEnv)),
		Issuer:   cfg.Issuer,
		TokenTTL: cfg.TokenTTL(),
	})
}
