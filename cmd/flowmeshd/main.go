package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"FlowMesh/internal/api"
	"FlowMesh/internal/config"
	"FlowMesh/internal/dispatch"
	"FlowMesh/internal/event"
	"FlowMesh/internal/kv"
	"FlowMesh/internal/messaging"
	"FlowMesh/internal/observability/alerting"
	"FlowMesh/internal/orchestrator"
	"FlowMesh/internal/respool"
	"FlowMesh/internal/workflow"
	"FlowMesh/pkg/logger"
)

// main 是 FlowMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("flowmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("FLOWMESH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "flowmesh.json")
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if err := logger.Init(cfg.Logger); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	logger.L().Info("flowmeshd 启动中", slog.String("address", cfg.Server.Address))

	// 键值存储：消息与资源租约的共享后端。
	var store kv.Store
	switch cfg.KV.Driver {
	case "", "memory":
		store = kv.NewMemory()
	case "redis":
		redisStore, err := kv.NewRedis(kv.RedisConfig{
			Address:  cfg.KV.Addr,
			Password: cfg.KV.Password,
			DB:       cfg.KV.DB,
		})
		if err != nil {
			return err
		}
		store = redisStore
	default:
		return fmt.Errorf("未知的键值存储驱动: %s", cfg.KV.Driver)
	}
	defer func() {
		_ = store.Close()
	}()

	// 工作流定义与执行记录的持久化。
	var workflowStore workflow.Store
	switch cfg.Storage.WorkflowStore.Driver {
	case "", "memory":
		workflowStore = workflow.NewMemoryStore()
	case "mysql":
		mysqlStore, err := workflow.NewMySQLStore(cfg.Storage.WorkflowStore.DSN)
		if err != nil {
			return err
		}
		workflowStore = mysqlStore
	default:
		return fmt.Errorf("未知的工作流存储驱动: %s", cfg.Storage.WorkflowStore.Driver)
	}
	defer func() {
		_ = workflowStore.Close()
	}()

	// 智能体注册表与分发器。
	registry := dispatch.NewRegistry(dispatch.RegistryConfig{})
	if cfg.Agents.RegistryPath != "" {
		loaded, err := dispatch.LoadRegistry(cfg.Agents.RegistryPath)
		if err != nil {
			return err
		}
		registry = loaded
	}
	dispatcher := dispatch.NewDispatcher(registry)

	executors := workflow.NewExecutorSet(workflow.NewAgentStepExecutor(dispatcher))
	executors.Register("test", workflow.TestStepExecutor{})
	engine := workflow.NewEngine(executors)

	// 生命周期事件发布通道。
	var events event.Publisher
	switch cfg.Events.Driver {
	case "", "memory":
		events = event.NewMemoryPublisher()
	case "rabbitmq":
		publisher, err := event.NewRabbitMQPublisher(event.RabbitMQConfig{
			URL:     cfg.Events.URL,
			Queue:   cfg.Events.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		events = publisher
	default:
		return fmt.Errorf("未知的事件通道驱动: %s", cfg.Events.Driver)
	}
	defer func() {
		_ = events.Close()
	}()

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	// 会话通知与执行租约共享同一个键值存储。
	messenger := messaging.NewMessenger(store, cfg.Messaging.KeyPrefix)
	leases := respool.NewBroker(store, cfg.Messaging.KeyPrefix)

	orch := orchestrator.New(workflowStore, engine,
		orchestrator.WithEventPublisher(events),
		orchestrator.WithAlertDispatcher(alerts),
		orchestrator.WithAgentDispatch(registry, dispatcher),
		orchestrator.WithSessionMessenger(messenger),
		orchestrator.WithExecutionLeases(leases,
			cfg.Limits.MaxConcurrentExecutions,
			time.Duration(cfg.Limits.ExecutionLeaseTTLSeconds)*time.Second),
	)

	server := api.NewServer(cfg.Server.Address, orch)
	logger.L().Info("API 服务就绪", slog.String("address", cfg.Server.Address))
	return server.Start(ctx)
}
