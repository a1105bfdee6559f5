package main

import (
	"binance-strategy-bot-go/internal/backtest"
	"binance-strategy-bot-go/internal/bot"
	"binance-strategy-bot-go/internal/config"
	"binance-strategy-bot-go/internal/downloader"
	"binance-strategy-bot-go/internal/exchange"
	"binance-strategy-bot-go/internal/ledger"
	"binance-strategy-bot-go/internal/logger"
	"binance-strategy-bot-go/internal/metrics"
	"binance-strategy-bot-go/internal/models"
	"binance-strategy-bot-go/internal/persistence"
	"binance-strategy-bot-go/internal/reporter"
	"binance-strategy-bot-go/internal/settlement"
	"binance-strategy-bot-go/internal/statemanager"
	"binance-strategy-bot-go/internal/storage"
	"binance-strategy-bot-go/internal/strategy"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.Split(name, "-")[0]
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or backtest")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	user := flag.String("user", "default", "user id for bots whose config does not name one")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"}) // 使用一个默认配置

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync() // 确保在main函数退出时刷新所有缓冲的日志

	setEndpoints(cfg)

	// --- 根据模式执行 ---
	switch *mode {
	case "live":
		if err := runLiveMode(cfg, *user); err != nil {
			logger.S().Fatal(err)
		}
	case "backtest":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		finalDataPath, err := handleBacktestMode(ctx, cfg, *symbol, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		if err := runBacktestMode(ctx, cfg, finalDataPath); err != nil {
			logger.S().Fatal(err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'backtest'。", *mode)
	}
}

// setEndpoints 根据配置选择测试网或生产网地址
func setEndpoints(cfg *models.Config) {
	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
		logger.S().Info("正在使用币安测试网...")
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
		logger.S().Info("正在使用币安生产网...")
	}
}

// handleBacktestMode 处理回测模式的启动逻辑，包括数据下载。
// 成功后返回数据文件路径，失败则返回错误。
func handleBacktestMode(ctx context.Context, cfg *models.Config, symbol, startDate, endDate, dataPath string) (string, error) {
	shouldDownload := symbol != "" && startDate != "" && endDate != ""
	if !shouldDownload {
		if dataPath == "" {
			return "", errors.New("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
		}
		return dataPath, nil
	}

	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s.csv", symbol, startDate, endDate))
	d := downloader.NewKlineDownloader(cfg.BaseURL, logger.L())
	if err := d.DownloadKlines(ctx, symbol, fileName, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return fileName, nil
}

// backtestStrategy 从配置中挑选回测使用的策略, 优先匹配交易对
func backtestStrategy(cfg *models.Config, symbol string) (models.StrategyConfig, error) {
	if len(cfg.Bots) == 0 {
		return models.StrategyConfig{}, errors.New("配置文件中没有定义任何策略 (bots)")
	}
	chosen := cfg.Bots[0].Strategy
	for _, b := range cfg.Bots {
		if b.Strategy.Symbol == symbol {
			chosen = b.Strategy
			break
		}
	}
	chosen.Symbol = symbol
	return chosen, nil
}

// runBacktestMode 运行回测模式
func runBacktestMode(ctx context.Context, cfg *models.Config, dataPath string) error {
	logger.S().Info("--- 启动回测模式 ---")

	symbol := extractSymbolFromPath(dataPath)
	if symbol == "" {
		return fmt.Errorf("无法从数据文件路径 %s 中提取交易对", dataPath)
	}
	strat, err := backtestStrategy(cfg, symbol)
	if err != nil {
		return err
	}

	samples, err := downloader.LoadSamples(dataPath)
	if err != nil {
		return err
	}
	logger.S().Infof("加载了 %d 条价格数据, 开始回测 %s (%s)...", len(samples), symbol, strat.Kind())

	runner := backtest.NewRunner(cfg.PaperInitialBalance, logger.L())
	result, err := runner.Run(ctx, strat, samples)
	if err != nil {
		return fmt.Errorf("回测失败: %w", err)
	}

	logger.S().Info("回测结束。")
	reporter.RenderBacktest(os.Stdout, result, dataPath)
	reporter.RenderTrades(os.Stdout, result.Trades)
	return nil
}

// runLiveMode 启动配置中的所有策略, 直到收到退出信号
func runLiveMode(cfg *models.Config, defaultUser string) error {
	logger.S().Info("--- 启动实时交易模式 ---")

	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	if !creds.Complete() {
		for _, b := range cfg.Bots {
			if b.Strategy.Mode == models.LiveMode {
				return errors.New("实盘策略需要设置 BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量")
			}
		}
		logger.S().Warn("未设置交易所密钥, 仅能运行模拟盘策略。")
	}

	ctx := context.Background()

	binanceEx := exchange.NewBinanceExchange(creds.APIKey, creds.SecretKey, cfg.BaseURL, logger.L())
	if err := binanceEx.SyncTime(ctx); err != nil {
		logger.S().Warnf("时间同步失败: %v", err)
	}

	var prices exchange.PriceSource = binanceEx
	if cfg.WSBaseURL != "" {
		stream := exchange.NewStreamPriceSource(cfg.WSBaseURL, binanceEx, cfg.PriceMaxAge(), logger.L())
		defer stream.Close()
		prices = stream
	}

	var executor exchange.OrderExecutor
	if creds.Complete() {
		executor = binanceEx
	}

	store, err := storage.NewLedger(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("无法打开账本: %w", err)
	}
	defer store.Close()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("无法打开机器人数据库: %w", err)
	}
	defer repo.Close()

	sm := statemanager.NewStateManager(repo, logger.L())
	sm.Start()
	defer sm.Stop()

	engine := settlement.NewEngine(store, repo, executor, cfg.PaperInitialBalance, logger.L())
	scheduler := bot.NewScheduler(prices, strategy.Evaluator{}, engine, repo, sm, logger.L(), bot.Options{
		RetryAttempts:     cfg.RetryAttempts,
		RetryInitialDelay: cfg.RetryInitialDelay(),
	})

	if cfg.MetricsAddr != "" {
		server := startMetricsServer(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	users := map[string]bool{}
	for _, b := range cfg.Bots {
		userID := b.UserID
		if userID == "" {
			userID = defaultUser
		}
		started, err := scheduler.StartStrategy(ctx, userID, b.Strategy)
		if err != nil {
			logger.L().Error("策略启动失败", zap.String("user", userID), zap.String("symbol", b.Strategy.Symbol), zap.Error(err))
			continue
		}
		users[userID] = true
		logger.S().Infof("策略已启动: %s %s (%s)", started.ID, started.Symbol, started.Strategy)
	}
	if len(scheduler.Running()) == 0 {
		return errors.New("没有成功启动任何策略")
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("收到退出信号, 正在停止所有策略...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.S().Warnf("停止策略时出错: %v", err)
	}
	sm.Stop()

	reporter.RenderRuntimes(os.Stdout, sm.Snapshots())
	for userID := range users {
		printTrades(store, userID)
	}
	logger.S().Info("机器人已成功停止。")
	return nil
}

func startMetricsServer(addr string) *http.Server {
	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.S().Infof("Prometheus 指标服务监听于 %s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Errorf("指标服务异常退出: %v", err)
		}
	}()
	return server
}

func printTrades(store ledger.Store, userID string) {
	var trades []models.Trade
	err := store.View(context.Background(), func(tx ledger.Tx) error {
		var err error
		trades, err = tx.Trades(ledger.TradeFilter{UserID: userID, Limit: 50})
		return err
	})
	if err != nil {
		logger.S().Warnf("读取用户 %s 的交易记录失败: %v", userID, err)
		return
	}
	reporter.RenderTrades(os.Stdout, trades)
}
