package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Treasury-Autopilot/internal/agent"
	"Treasury-Autopilot/internal/allocation"
	"Treasury-Autopilot/internal/api"
	"Treasury-Autopilot/internal/auth"
	"Treasury-Autopilot/internal/config"
	"Treasury-Autopilot/internal/cycle"
	"Treasury-Autopilot/internal/execution"
	"Treasury-Autopilot/internal/knowledge"
	"Treasury-Autopilot/internal/ledger"
	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/llm/openai"
	"Treasury-Autopilot/internal/llm/scriptbridge"
	"Treasury-Autopilot/internal/observability/alerting"
	"Treasury-Autopilot/internal/observability/metrics"
	"Treasury-Autopilot/internal/risk"
	"Treasury-Autopilot/internal/web3"
	"Treasury-Autopilot/internal/web3/provider"
	"Treasury-Autopilot/pkg/logger"
)

// main 是金库守护进程的入口。
func main() {
	configPath := flag.String("config", defaultConfigPath(), "配置文件路径")
	once := flag.Bool("once", false, "只运行一个周期并输出决策")
	mode := flag.String("mode", "", "覆盖运行模式 (normal/emergency/simulation)")
	hashToken := flag.String("hash-token", "", "输出 API 令牌的哈希后退出")
	flag.Parse()

	if *hashToken != "" {
		hashed, err := auth.HashToken(*hashToken)
		if err != nil {
			log.Fatalf("生成令牌哈希失败: %v", err)
		}
		fmt.Println(hashed)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *mode, *once); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("treasuryd 运行失败: %v", err)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("TREASURY_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "treasury.yaml")
}

func run(ctx context.Context, configPath, modeFlag string, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if modeFlag != "" {
		cfg.Runtime.Mode = modeFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	m := metrics.New()
	defaultMode, err := agent.ParseMode(cfg.Runtime.Mode)
	if err != nil {
		return err
	}

	oracle, err := createOracle(cfg, m)
	if err != nil {
		return err
	}
	if closer, ok := oracle.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	ledgerProvider, closeLedger, err := createLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	history, err := createHistory(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := history.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var notes knowledge.Provider
	if cfg.Knowledge.Source != "" {
		p, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		notes = p
	}

	var chain agent.ChainObserver
	liveExecutor := execution.Executor(execution.NewDryRun())
	if cfg.Web3.Enabled() {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer registry.Close()
		client, err := registry.DefaultClient()
		if err != nil {
			return err
		}
		chain = client
		if defaultMode != agent.ModeSimulation && cfg.Runtime.SignerKey != "" {
			exec, err := createChainExecutor(ctx, cfg, client)
			if err != nil {
				return err
			}
			liveExecutor = exec
		}
	}
	if _, dry := liveExecutor.(*execution.DryRun); dry {
		logger.L().Warn("未配置链上执行，资金移动仅为模拟")
	}

	assessor := risk.NewAssessor(oracle,
		risk.WithHistory(history),
		risk.WithKnowledge(notes),
		risk.WithTimeout(cfg.Oracle.Timeout()),
	)
	forecaster := liquidity.NewForecaster(oracle,
		liquidity.WithKnowledge(notes),
		liquidity.WithTimeout(cfg.Oracle.Timeout()),
	)

	planner, err := createPlanner(cfg, oracle)
	if err != nil {
		return err
	}

	build := func(exec execution.Executor) (*agent.Orchestrator, error) {
		validator := allocation.NewValidator(oracle, exec,
			allocation.WithKnowledge(notes),
			allocation.WithTimeout(cfg.Oracle.Timeout()),
		)
		return agent.New(agent.Dependencies{
			Ledger:    ledgerProvider,
			Risk:      assessor,
			Liquidity: forecaster,
			Allocator: validator,
			Executor:  exec,
			Planner:   planner,
		},
			agent.WithPolicy(cfg.Policy),
			agent.WithTargets(cfg.Orchestrator.TierATarget, cfg.Orchestrator.TierBTarget),
			agent.WithAnalysisWindow(cfg.Orchestrator.AnalysisPeriodDays, cfg.Orchestrator.ForecastHorizonDays),
			agent.WithChainObserver(chain),
		)
	}
	live, err := build(liveExecutor)
	if err != nil {
		return err
	}
	simExecutor := execution.NewDryRun()
	sim, err := build(simExecutor)
	if err != nil {
		return err
	}

	queue, err := createQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭周期队列失败", slog.Any("error", err))
		}
	}()

	store := cycle.NewMemoryStore()
	service := cycle.NewService(store, queue,
		cycle.WithDefaultMode(defaultMode),
		cycle.WithSubmissionObserver(m),
	)
	processor := cycle.NewProcessor(live, liveExecutor, store, queue,
		cycle.WithSimulation(sim, simExecutor),
		cycle.WithCycleTimeout(cfg.Runtime.CycleTimeout()),
		cycle.WithAlertDispatcher(createDispatcher(cfg)),
		cycle.WithRecorder(m),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("周期处理器异常退出", slog.Any("error", err))
		}
	}()

	if once {
		return runOnce(ctx, service, cfg.Runtime.CycleTimeout())
	}

	scheduler, err := cycle.NewScheduler(service, cfg.Runtime.Cadence, defaultMode)
	if err != nil {
		return err
	}
	go func() {
		if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("周期调度异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := m.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, service,
		api.WithAuth(authSvc),
		api.WithMetrics(m),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownSeconds)*time.Second),
		api.WithStatus(cfg.Runtime.Mode, cfg.Runtime.Cadence, cfg.Orchestrator.Planner),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runOnce(ctx context.Context, service *cycle.Service, timeout time.Duration) error {
	submitted, err := service.Submit(ctx, cycle.Request{Source: cycle.SourceManual})
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
	defer cancel()
	done, err := service.WaitUntilCompleted(waitCtx, submitted.ID, 200*time.Millisecond)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(done); err != nil {
		return err
	}
	if done.Status == cycle.StatusFailed {
		return fmt.Errorf("周期 %s 失败: %s", done.ID, done.LastError)
	}
	return nil
}

// createOracle 返回 nil 表示不使用推理服务，此时只执行规则检查。
func createOracle(cfg *config.Config, m *metrics.Metrics) (llm.Client, error) {
	switch cfg.Oracle.Provider {
	case "none":
		return nil, nil
	case "script":
		client, err := scriptbridge.NewClient(cfg.Oracle.Script.Executable, cfg.Oracle.Script.ScriptPath, cfg.Oracle.Script.WorkingDir)
		if err != nil {
			return nil, err
		}
		return metrics.InstrumentClient(client, m), nil
	case "openai", "mistral":
		baseURL, model := cfg.Oracle.BaseURL, cfg.Oracle.Model
		if cfg.Oracle.Provider == "openai" {
			if baseURL == "" {
				baseURL = "https://api.openai.com/v1"
			}
			if model == "" {
				model = "gpt-4o-mini"
			}
		}
		return openai.NewClient(openai.Config{
			APIKey:            cfg.Oracle.APIKey,
			BaseURL:           baseURL,
			Model:             model,
			Timeout:           cfg.Oracle.Timeout(),
			RequestsPerSecond: cfg.Oracle.RequestsPerSecond,
			Burst:             cfg.Oracle.Burst,
		}, openai.WithObserver(m.OracleObserver()))
	default:
		return nil, fmt.Errorf("未知的推理服务 provider: %s", cfg.Oracle.Provider)
	}
}

func createPlanner(cfg *config.Config, oracle llm.Client) (agent.Planner, error) {
	if cfg.Orchestrator.Planner != "oracle" {
		return agent.StaticPlanner{}, nil
	}
	tools, ok := oracle.(llm.ToolClient)
	if !ok {
		return nil, fmt.Errorf("推理服务 %s 不支持工具调用", cfg.Oracle.Provider)
	}
	return agent.NewOracleSteering(tools, agent.WithSteeringTimeout(cfg.Oracle.Timeout())), nil
}

func createLedger(ctx context.Context, cfg *config.Config) (ledger.Provider, func(), error) {
	if cfg.Ledger.Driver == "static" {
		p, err := ledger.LoadStaticProvider(cfg.Ledger.Fixture)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
	p, err := ledger.NewSQLProvider(ctx, ledger.Config{
		Driver:  cfg.Ledger.Driver,
		DSN:     cfg.Ledger.DSN,
		Migrate: cfg.Ledger.Migrate,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Ledger.Fixture != "" {
		fixture, err := ledger.LoadFixture(cfg.Ledger.Fixture)
		if err != nil {
			_ = p.Close()
			return nil, nil, err
		}
		if err := p.Import(ctx, fixture); err != nil {
			_ = p.Close()
			return nil, nil, err
		}
	}
	return p, func() { _ = p.Close() }, nil
}

func createHistory(ctx context.Context, cfg *config.Config) (alerting.History, error) {
	if cfg.Alerting.History != "redis" {
		return alerting.NewMemoryHistory(cfg.Alerting.HistoryLimit), nil
	}
	return alerting.NewRedisHistory(ctx, alerting.RedisHistoryConfig{
		Address:  cfg.Alerting.Redis.Address,
		Password: cfg.Alerting.Redis.Password,
		DB:       cfg.Alerting.Redis.DB,
		Key:      cfg.Alerting.Redis.Key,
		Limit:    cfg.Alerting.HistoryLimit,
	})
}

func createDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func createQueue(ctx context.Context, cfg *config.Config) (cycle.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		return cycle.NewRedisQueue(ctx, cycle.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Key,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return cycle.NewRabbitMQQueue(cycle.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return cycle.NewMemoryQueue(cfg.Queue.Size), nil
	}
}

func createChainExecutor(ctx context.Context, cfg *config.Config, client web3.Client) (execution.Executor, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	signer, err := execution.NewSigner(cfg.Runtime.SignerKey, chainID)
	if err != nil {
		return nil, err
	}
	signer.GasLimit = cfg.Web3.GasLimit
	signer.Context = ctx

	targets := make(map[string]common.Address, len(cfg.Web3.Targets))
	for name, addr := range cfg.Web3.Targets {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("金库 %s 的地址无效: %s", name, addr)
		}
		targets[name] = common.HexToAddress(addr)
	}
	return execution.NewChainExecutor(client, signer, execution.ChainConfig{
		Targets:        targets,
		TokenDecimals:  cfg.Web3.TokenDecimals,
		WithdrawSource: cfg.Web3.WithdrawSource,
	})
}
