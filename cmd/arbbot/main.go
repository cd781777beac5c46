package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/internal/executor"
	"github.com/betbot/crossarb/internal/fillwatcher"
	"github.com/betbot/crossarb/internal/notify"
	"github.com/betbot/crossarb/internal/pairing"
	"github.com/betbot/crossarb/internal/quotecache"
	"github.com/betbot/crossarb/internal/store"
	"github.com/betbot/crossarb/internal/venue"
	"github.com/betbot/crossarb/pkg/config"
	"github.com/betbot/crossarb/pkg/logger"
	"github.com/betbot/crossarb/pkg/shutdown"
	"github.com/betbot/crossarb/pkg/sigchan"
)

func main() {
	configPath := flag.String("config", "yml/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", ".env 文件路径（凭证注入）")
	flag.Parse()

	// .env 可选：不存在时静默跳过，凭证也可以直接来自环境
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logrus.Errorf("运行失败: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := shutdown.NewManager()

	// 通知通道：日志始终在，webhook 按需追加
	senders := []notify.Sender{notify.LogSender{}}
	if webhook := os.Getenv("CROSSARB_DISCORD_WEBHOOK"); webhook != "" {
		senders = append(senders, notify.NewDiscordSender(webhook))
	}
	notifier := notify.New(senders, nil)

	taskStore, err := store.NewTaskStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("打开任务归档失败: %w", err)
	}
	manager.OnShutdown(func(context.Context) { _ = taskStore.Close() })

	provider, err := pairing.NewStaticProvider(cfg.Pairs)
	if err != nil {
		return fmt.Errorf("解析市场对配置失败: %w", err)
	}

	entryRest := venue.NewRestClient(domain.VenueEntry, cfg.EntryVenue)
	hedgeRest := venue.NewRestClient(domain.VenueHedge, cfg.HedgeVenue)

	// 两所市场按归属路由到各自的 REST / WS 通道
	router := newVenueRouter(provider, entryRest, hedgeRest)

	cache := quotecache.New(router, router, cfg.QuoteCache)
	go cache.Run(ctx)

	watcher := fillwatcher.New(router)
	go watcher.Run(ctx)
	manager.OnShutdown(func(context.Context) { watcher.Stop() })

	if cfg.QuoteCache.EnablePush {
		streams, err := startStreams(ctx, cfg, router, cache, watcher)
		if err != nil {
			return err
		}
		for _, s := range streams {
			stream := s
			manager.OnShutdown(func(context.Context) { stream.Stop() })
		}
	}

	// 全量订阅所有市场（分批发送在缓存内处理）
	var marketIDs []string
	for _, p := range provider.Pairs() {
		marketIDs = append(marketIDs, p.EntryMarketID, p.HedgeMarketID)
	}
	if err := cache.Subscribe(ctx, marketIDs); err != nil {
		logrus.Warnf("订阅行情失败: %v", err)
	}

	// 启动时先处理归档里的裸露持仓：逐个下平仓任务砍掉
	if !cfg.DryRun {
		closeExec := executor.New(cfg.Executor, cache, watcher, entryRest, hedgeRest, notifier, taskStore)
		go recoverNakedPositions(ctx, taskStore, provider, closeExec)
	}

	// 每对市场一个扫描循环；行情推送到达时立即唤醒对应扫描器
	qtyByEntry := make(map[string]float64, len(cfg.Pairs))
	strategyByEntry := make(map[string]domain.Strategy, len(cfg.Pairs))
	for _, pc := range cfg.Pairs {
		qtyByEntry[pc.EntryMarketID] = pc.Quantity
		strategyByEntry[pc.EntryMarketID] = domain.Strategy(pc.Strategy)
	}
	wakeByMarket := make(map[string]*sigchan.Chan)
	for _, pair := range provider.Pairs() {
		wake := sigchan.New(1)
		wakeByMarket[pair.EntryMarketID] = wake
		wakeByMarket[pair.HedgeMarketID] = wake

		exec := executor.New(cfg.Executor, cache, watcher, entryRest, hedgeRest, notifier, taskStore)
		exec.SetMinNotionals(cfg.EntryVenue.MinNotional, cfg.HedgeVenue.MinNotional)
		go scanPair(ctx, cfg, exec, cache, pair, strategyByEntry[pair.EntryMarketID], qtyByEntry[pair.EntryMarketID], wake)
	}
	cache.OnUpdate(func(marketID string, _ *domain.BookSnapshot) {
		if wake, ok := wakeByMarket[marketID]; ok {
			wake.Emit()
		}
	})

	logrus.Infof("crossarb 已启动: pairs=%d dry_run=%v", len(cfg.Pairs), cfg.DryRun)

	// 等待退出信号
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("收到退出信号，开始关闭")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)
	return nil
}

// recoverNakedPositions 扫描归档里标记人工介入的裸露持仓，
// 能找到市场对配置的逐个下平仓任务处理，平掉后解除标记
func recoverNakedPositions(ctx context.Context, taskStore *store.TaskStore,
	provider pairing.Provider, exec *executor.Executor) {

	log := logrus.WithField("component", "recover")
	naked, err := taskStore.ListNeedsManual(ctx)
	if err != nil {
		log.Warnf("查询裸露持仓失败: %v", err)
		return
	}
	for _, old := range naked {
		qty := old.PredictFilledQty - old.HedgedQty
		if qty <= 1e-6 {
			continue
		}
		pair, err := provider.PairFor(old.Pair.EntryMarketID)
		if err != nil {
			log.Warnf("裸露持仓 %s 无对应市场对配置，跳过", old.ID)
			continue
		}
		task := domain.NewCloseTask(pair, old.Side, old.EntryPrice, qty, time.Now())
		log.WithFields(logrus.Fields{"from": old.ID, "task": task.ID}).Infof("平仓裸露持仓: qty=%.2f", qty)
		if err := exec.Run(ctx, task); err != nil {
			log.WithField("task", task.ID).Warnf("平仓任务结束: %v", err)
			continue
		}
		old.NeedsManual = false
		if err := taskStore.Archive(ctx, old); err != nil {
			log.Warnf("更新归档失败: %v", err)
		}
	}
}

// startStreams 建立两所的推送通道并接事件分发
func startStreams(ctx context.Context, cfg *config.Config, router *venueRouter,
	cache *quotecache.Cache, watcher *fillwatcher.Watcher) ([]venue.Stream, error) {

	var streams []venue.Stream
	for _, vc := range []struct {
		name domain.VenueName
		url  string
	}{
		{domain.VenueEntry, cfg.EntryVenue.WsURL},
		{domain.VenueHedge, cfg.HedgeVenue.WsURL},
	} {
		if vc.url == "" {
			continue
		}
		s := venue.NewWSStream(vc.name, vc.url, cfg.Reconnect, cfg.QuoteCache.SubscribeBatchSize)
		if err := s.Start(ctx); err != nil {
			return nil, fmt.Errorf("启动 %s 推送通道失败: %w", vc.name, err)
		}
		if err := s.SubscribeOrders(); err != nil {
			logrus.Warnf("订阅 %s 订单事件失败: %v", vc.name, err)
		}
		router.attachStream(vc.name, s)
		go dispatchEvents(ctx, s, cache, watcher)
		streams = append(streams, s)
	}
	return streams, nil
}

// dispatchEvents 把单个推送通道的事件分发给缓存与成交监听器
func dispatchEvents(ctx context.Context, s venue.Stream, cache *quotecache.Cache, watcher *fillwatcher.Watcher) {
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case venue.BookEvent:
				cache.ApplyPushUpdate(e.Book)
			case venue.TopOfBookEvent:
				cache.ApplyTopOfBook(e.MarketID, e.BestBid, e.BestAsk, e.At)
			case venue.FillEvent, venue.CancelEvent, venue.ReconnectedEvent:
				watcher.HandleEvent(ev)
			}
		case err, ok := <-s.Errors():
			if !ok {
				return
			}
			logrus.Warnf("推送通道错误: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

// scanPair 单个市场对的机会扫描循环：有机会且非 dry-run 时串行执行一个任务
func scanPair(ctx context.Context, cfg *config.Config, exec *executor.Executor,
	cache *quotecache.Cache, pair domain.Pair, strategy domain.Strategy, quantity float64, wake *sigchan.Chan) {

	log := logrus.WithFields(logrus.Fields{
		"component": "scanner",
		"entry":     pair.EntryMarketID,
		"hedge":     pair.HedgeMarketID,
	})
	ticker := time.NewTicker(cfg.Executor.ScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake.C():
		}

		entryBook, err := cache.Get(ctx, pair.EntryMarketID)
		if err != nil {
			continue
		}
		hedgeBook, err := cache.Get(ctx, pair.HedgeMarketID)
		if err != nil {
			continue
		}

		entryPrice, ok := executor.EvaluateOpportunity(entryBook, hedgeBook, pair, strategy, cfg.Executor.MinProfitBuffer)
		if !ok {
			continue
		}

		if cfg.DryRun {
			log.Infof("发现机会（dry-run 不执行）: entry=%.4f", entryPrice.ToDecimal())
			continue
		}

		task := domain.NewTask(pair, domain.SideBuy, strategy, entryPrice, quantity, time.Now())
		log.WithField("task", task.ID).Infof("发现机会，启动任务: entry=%.4f qty=%.2f", entryPrice.ToDecimal(), quantity)
		if err := exec.Run(ctx, task); err != nil {
			log.WithField("task", task.ID).Warnf("任务结束: %v", err)
		} else {
			log.WithField("task", task.ID).Info("任务完成")
		}
	}
}
