package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"AgentIntent-Chain/internal/api"
	"AgentIntent-Chain/internal/audit"
	"AgentIntent-Chain/internal/config"
	"AgentIntent-Chain/internal/events"
	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/internal/intent"
	"AgentIntent-Chain/internal/observability/alerting"
	"AgentIntent-Chain/internal/observability/metrics"
	"AgentIntent-Chain/internal/policy"
	"AgentIntent-Chain/internal/relay"
	"AgentIntent-Chain/internal/relayer"
	"AgentIntent-Chain/internal/storage/mysql"
	"AgentIntent-Chain/internal/storage/redis"
	"AgentIntent-Chain/internal/web3/provider"
	"AgentIntent-Chain/pkg/logger"
)

// main 是 intentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("intentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("INTENTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "intentd.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("intentd")

	var redisClient goredis.UniversalClient
	if cfg.Redis.Address != "" {
		client, err := redis.Open(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client
	}

	var db *sql.DB
	if cfg.Storage.Driver == "mysql" {
		conn, err := mysql.Open(ctx, mysql.ConfigFrom(cfg.Storage))
		if err != nil {
			return err
		}
		defer conn.Close()
		db = conn
	}

	queue, err := createQueue(cfg, redisClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭事件队列失败", slog.Any("error", err))
		}
	}()

	// 审计与告警同步订阅，队列只负责把事件交给中继处理器。
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	for _, hook := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(alerting.Channel(hook.Kind), hook.URL))
	}
	alerts := alerting.NewFanout(notifiers...)

	recorderOpts := []audit.Option{}
	if db != nil {
		recorderOpts = append(recorderOpts, audit.WithStore(audit.NewMySQLStore(db)))
	}
	recorder := audit.NewRecorder(recorderOpts...)

	var content audit.ContentStore = audit.NewMemoryContentStore()
	if cfg.Storage.ContentStore == "redis" {
		content = audit.NewRedisContentStore(redisClient, cfg.Redis.KeyPrefix)
	}
	pipeline := audit.NewPipeline(recorder, content)

	bus := events.NewFanout(
		pipeline,
		events.HandlerPublisher(func(_ context.Context, evt events.Event) error {
			metrics.ObserveEvent(string(evt.Type))
			return nil
		}),
		alerting.NewEventAlerter(alerts),
	)
	// 内存队列只有内置中继者消费，没有消费者时不挂到总线上。
	if cfg.Relayer.Workers > 0 || !isMemoryQueue(cfg.EventBus.Driver) {
		bus.Add(queue)
	}

	registry := identity.NewRegistry()

	policyOpts := []policy.Option{
		policy.WithCooldown(time.Duration(cfg.Policy.CooldownSeconds) * time.Second),
		policy.WithTripHook(func(ctx context.Context, agentID identity.AgentID, state policy.BreakerState) {
			evt := events.New(events.TypeBreakerTripped, common.Hash{}, agentID, time.Unix(state.TrippedAt, 0), map[string]string{
				"reason":   policy.ReasonHourlyCap,
				"cooldown": state.Cooldown.String(),
			})
			// 回调发生在意图引擎持锁期间，投递放到独立协程。
			go func() {
				if err := bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
					log.Warn("投递熔断事件失败", slog.Any("error", err))
				}
			}()
		}),
	}
	if cfg.Policy.Admin != "" {
		if !common.IsHexAddress(cfg.Policy.Admin) {
			return fmt.Errorf("policy.admin 不是合法地址: %s", cfg.Policy.Admin)
		}
		policyOpts = append(policyOpts, policy.WithAdmin(common.HexToAddress(cfg.Policy.Admin)))
	}
	if cfg.Policy.WindowStore == "redis" {
		policyOpts = append(policyOpts, policy.WithWindowStore(policy.NewRedisWindowStore(redisClient, cfg.Redis.KeyPrefix)))
	}
	policies := policy.NewEngine(registry, policyOpts...)

	minStake, err := cfg.Relayer.MinStake()
	if err != nil {
		return err
	}
	relayers := relayer.NewDirectory(relayer.WithMinStake(minStake))

	domains, err := provider.NewRegistry(ctx, cfg.Web3, provider.WithStaticDomains(cfg.Engine.SupportedDomains...))
	if err != nil {
		return err
	}
	defer domains.Close()
	if cfg.Web3.VerifyChains {
		if err := domains.Verify(ctx); err != nil {
			return err
		}
	}

	domain, err := signingDomain(cfg.Engine)
	if err != nil {
		return err
	}
	engineOpts := []intent.Option{
		intent.WithTimelock(time.Duration(cfg.Engine.TimelockSeconds) * time.Second),
		intent.WithPublisher(bus),
		intent.WithDispatcher(domains),
	}
	if !domains.Empty() {
		engineOpts = append(engineOpts, intent.WithDomainValidator(domains))
	}
	if db != nil {
		engineOpts = append(engineOpts, intent.WithStore(intent.NewMySQLStore(db)))
	}
	engine := intent.NewEngine(domain, registry, policies, relayers, engineOpts...)

	if cfg.Relayer.Workers > 0 {
		if err := startRelay(ctx, cfg.Relayer, engine, relayers, queue, alerts); err != nil {
			return err
		}
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("metrics 服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Services{
		Identity: registry,
		Policy:   policies,
		Intents:  engine,
		Relayers: relayers,
		Audit:    recorder,
		Pipeline: pipeline,
		Domains:  domains,
	})

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func signingDomain(cfg config.EngineConfig) (intent.Domain, error) {
	if !common.IsHexAddress(cfg.VerifyingContract) {
		return intent.Domain{}, fmt.Errorf("engine.verifying_contract 不是合法地址: %s", cfg.VerifyingContract)
	}
	return intent.Domain{
		Name:              cfg.ProtocolName,
		Version:           cfg.ProtocolVersion,
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: common.HexToAddress(cfg.VerifyingContract),
	}, nil
}

func isMemoryQueue(driver string) bool {
	return driver == "" || driver == "memory"
}

func createQueue(cfg *config.Config, client goredis.UniversalClient) (events.Queue, error) {
	switch cfg.EventBus.Driver {
	case "", "memory":
		return events.NewMemoryQueue(cfg.EventBus.BufferSize), nil
	case "redis":
		wait := time.Duration(cfg.EventBus.BlockWaitSeconds) * time.Second
		return events.NewRedisQueueWithClient(client, cfg.EventBus.Queue, wait), nil
	case "rabbitmq":
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:        cfg.EventBus.RabbitMQ.URL,
			Queue:      cfg.EventBus.Queue,
			Prefetch:   cfg.EventBus.RabbitMQ.Prefetch,
			Durable:    cfg.EventBus.RabbitMQ.Durable,
			AutoDelete: cfg.EventBus.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.EventBus.Driver)
	}
}

// startRelay 启动内置中继者。配置了地址时会先以最低质押登记该地址。
func startRelay(ctx context.Context, cfg config.RelayerConfig, engine *intent.Engine, relayers *relayer.Directory, consumer events.Consumer, alerts alerting.Dispatcher) error {
	log := logger.Named("relay")
	opts := []relay.ProcessorOption{
		relay.WithWorkerCount(cfg.Workers),
		relay.WithAlertDispatcher(alerts),
		relay.WithProcessorLogger(log),
	}
	if cfg.Address != "" {
		if !common.IsHexAddress(cfg.Address) {
			return fmt.Errorf("relayer.address 不是合法地址: %s", cfg.Address)
		}
		self := common.HexToAddress(cfg.Address)
		if _, err := relayers.Register(ctx, self, relayers.MinStake()); err != nil && !errors.Is(err, relayer.ErrAlreadyRegistered) {
			return err
		}
		opts = append(opts, relay.WithRelayerAddress(self))
	}

	processor := relay.NewProcessor(engine, relayers, consumer, opts...)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("中继处理器异常退出", slog.Any("error", err))
		}
	}()
	log.Info("内置中继者已启动",
		slog.Int("workers", cfg.Workers),
		slog.String("address", cfg.Address),
		slog.String("min_stake", relayers.MinStake().String()),
	)
	return nil
}
