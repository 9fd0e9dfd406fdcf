package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nnsW3/multicall-handler/internal/api"
	"github.com/nnsW3/multicall-handler/internal/auth"
	"github.com/nnsW3/multicall-handler/internal/chain/provider"
	"github.com/nnsW3/multicall-handler/internal/config"
	"github.com/nnsW3/multicall-handler/internal/handler"
	"github.com/nnsW3/multicall-handler/internal/journal"
	"github.com/nnsW3/multicall-handler/internal/ledger"
	"github.com/nnsW3/multicall-handler/internal/message"
	"github.com/nnsW3/multicall-handler/internal/observability/alerting"
	"github.com/nnsW3/multicall-handler/internal/storage/mysql"
	"github.com/nnsW3/multicall-handler/pkg/logger"
)

// main 是执行守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("handlerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("HANDLERD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "handlerd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	selfAddress := strings.TrimSpace(cfg.Handler.Address)
	if !common.IsHexAddress(selfAddress) {
		return fmt.Errorf("执行器地址不合法: %q", selfAddress)
	}
	self := common.HexToAddress(selfAddress)

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 消息存储。
	var messageStore message.Store
	switch cfg.Storage.MessageStore.Driver {
	case "", "memory":
		messageStore = message.NewMemoryStore()
	case "mysql":
		store, err := message.NewMySQLStore(cfg.Storage.MessageStore.DSN)
		if err != nil {
			return err
		}
		messageStore = store
	default:
		return fmt.Errorf("未知的消息存储驱动: %s", cfg.Storage.MessageStore.Driver)
	}

	// 执行日志存储。
	var journalStore journal.Store
	switch cfg.Storage.Journal.Driver {
	case "", "memory":
		journalStore = journal.NewMemoryStore()
	case "mysql":
		store, err := journal.NewMySQLStore(cfg.Storage.Journal.DSN)
		if err != nil {
			return err
		}
		journalStore = store
	default:
		return fmt.Errorf("未知的执行日志驱动: %s", cfg.Storage.Journal.Driver)
	}
	defer journalStore.Close()

	// 消息队列。
	var messageQueue message.Queue
	switch cfg.MessageQueue.Driver {
	case "", "memory":
		messageQueue = message.NewMemoryQueue(1024)
	case "redis":
		queue, err := message.NewRedisQueue(message.RedisQueueConfig{
			Address:   cfg.MessageQueue.Redis.Address,
			Password:  cfg.MessageQueue.Redis.Password,
			DB:        cfg.MessageQueue.Redis.DB,
			Queue:     cfg.MessageQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.MessageQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		messageQueue = queue
	case "rabbitmq":
		queue, err := message.NewRabbitMQQueue(message.RabbitMQConfig{
			URL:        cfg.MessageQueue.RabbitMQ.URL,
			Queue:      cfg.MessageQueue.RabbitMQ.Queue,
			Prefetch:   cfg.MessageQueue.RabbitMQ.Prefetch,
			Durable:    cfg.MessageQueue.RabbitMQ.Durable,
			AutoDelete: cfg.MessageQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		messageQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.MessageQueue.Driver)
	}
	defer func() {
		if err := messageQueue.Close(); err != nil {
			log.Printf("关闭消息队列失败: %v", err)
		}
	}()

	// 链客户端（可选）。
	var chainRegistry *provider.Registry
	if cfg.Chain.ConfigPath != "" || strings.TrimSpace(cfg.Chain.RPCURL) != "" {
		chainRegistry, err = provider.NewRegistry(ctx, cfg.Chain)
		if err != nil {
			return err
		}
		defer chainRegistry.Close()
	}

	// 账本与执行器。
	state := ledger.New()
	recorder := message.NewExecutionRecorder()
	exec, token := handler.New(self, state,
		handler.WithSink(handler.Sinks{journal.NewStoreSink(journalStore), recorder}),
		handler.WithLogger(logger.Named("handler")),
	)

	// 消息服务。
	serviceOpts := []message.ServiceOption{}
	if cfg.Chain.Preflight && chainRegistry != nil {
		client, err := chainRegistry.DefaultClient()
		if err != nil {
			return err
		}
		serviceOpts = append(serviceOpts, message.WithPreflight(client))
	}
	messageService := message.NewService(messageStore, messageQueue, cfg.Storage.MessageStore.Retries, serviceOpts...)
	defer messageService.Close()

	// 派发器。
	dispatcher := message.NewDispatcher(
		&fundingExecutor{ledger: state, handler: exec, self: self},
		messageStore, messageQueue, messageQueue,
		message.WithWorkerCount(cfg.MessageQueue.Worker),
		message.WithRecorder(recorder),
		message.WithDispatcherLogger(logger.Named("dispatcher")),
		message.WithAlertDispatcher(alerting.NewFanout()),
	)

	dispatcherCtx, dispatcherCancel := context.WithCancel(ctx)
	defer dispatcherCancel()

	go func() {
		if err := dispatcher.Start(dispatcherCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("消息派发器异常退出: %v", err)
		}
	}()

	// 认证。
	authService, err := buildAuthService(ctx, cfg)
	if err != nil {
		return err
	}

	serverOpts := []api.Option{
		api.WithJournal(journalStore),
		api.WithLedger(state),
		api.WithDrainer(exec, token),
	}
	if chainRegistry != nil {
		serverOpts = append(serverOpts, api.WithChains(chainRegistry))
	}
	if authService != nil {
		serverOpts = append(serverOpts, api.WithAuth(authService))
	}
	server := api.NewServer(cfg.Server.Address, messageService, serverOpts...)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fundingExecutor 在执行前把消息携带的资产入账到执行器地址，
// 模拟投递系统先转移资金再调用入口的流程。
type fundingExecutor struct {
	ledger  *ledger.Ledger
	handler *handler.Handler
	self    common.Address
}

func (f *fundingExecutor) Handle(ctx context.Context, asset common.Address, amount *big.Int, sender common.Address, payload []byte) error {
	if amount != nil && amount.Sign() > 0 {
		f.ledger.Credit(asset, f.self, amount)
	}
	return f.handler.Handle(ctx, asset, amount, sender, payload)
}

func buildAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	mode := auth.Mode(strings.ToLower(cfg.Auth.Mode))
	if mode == "" || mode == auth.ModeDisabled {
		return nil, nil
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	switch cfg.Auth.Store {
	case "", "memory":
		memStore, err := auth.NewMemoryStore(seeds)
		if err != nil {
			return nil, err
		}
		store = memStore
	case "mysql":
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysql.Config{DSN: cfg.Auth.DSN})
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("未知的认证存储驱动: %s", cfg.Auth.Store)
	}

	return auth.NewService(ctx, auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
		Seeds: seeds,
	}, store)
}
