// Package quotecache 提供按市场缓存订单簿快照的行情缓存
// 实时推送为主数据源，REST 轮询为兜底；TTL/过期策略与刷新去重由本层负责
package quotecache

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/pkg/config"
	"github.com/betbot/crossarb/pkg/inflight"
	"github.com/betbot/crossarb/pkg/logger"
)

var cacheLog = logger.WithField("component", "quote_cache")

// ErrNoData 无可用数据（缓存未命中且无法降级）
var ErrNoData = errors.New("行情不可用")

// Fetcher 轮询兜底的数据源
type Fetcher interface {
	FetchOrderBook(ctx context.Context, marketID string) (*domain.BookSnapshot, error)
}

// Subscriber 推送订阅通道
type Subscriber interface {
	SubscribeBooks(marketIDs ...string) error
}

// UpdateListener 推送更新监听器，在缓存 goroutine 内调用，不得阻塞
type UpdateListener func(marketID string, book *domain.BookSnapshot)

// CacheCommand 缓存命令接口
type CacheCommand interface {
	CommandType() CacheCommandType
	ID() string
}

// CacheCommandType 命令类型
type CacheCommandType string

const (
	CmdGetSync          CacheCommandType = "get_sync"
	CmdApplyPush        CacheCommandType = "apply_push"
	CmdApplyTopOfBook   CacheCommandType = "apply_top_of_book"
	CmdStorePoll        CacheCommandType = "store_poll"
	CmdRefreshDone      CacheCommandType = "refresh_done"
	CmdRegisterListener CacheCommandType = "register_listener"
	CmdQueryStats       CacheCommandType = "query_stats"
)

// GetSyncCommand 同步读命令（永不触发网络 I/O）
type GetSyncCommand struct {
	id       string
	MarketID string
	Reply    chan *GetResult
}

func (c *GetSyncCommand) CommandType() CacheCommandType { return CmdGetSync }
func (c *GetSyncCommand) ID() string                    { return c.id }

// GetResult 读取结果
type GetResult struct {
	Book  *domain.BookSnapshot
	Stale bool // 返回的是过期数据（allowStale 降级）
	Err   error
}

// ApplyPushCommand 推送快照写入命令
type ApplyPushCommand struct {
	id   string
	Book *domain.BookSnapshot
}

func (c *ApplyPushCommand) CommandType() CacheCommandType { return CmdApplyPush }
func (c *ApplyPushCommand) ID() string                    { return c.id }

// ApplyTopOfBookCommand 买一/卖一增量更新命令
type ApplyTopOfBookCommand struct {
	id       string
	MarketID string
	BestBid  domain.Price
	BestAsk  domain.Price
	At       time.Time
}

func (c *ApplyTopOfBookCommand) CommandType() CacheCommandType { return CmdApplyTopOfBook }
func (c *ApplyTopOfBookCommand) ID() string                    { return c.id }

// StorePollCommand 轮询快照写入命令（get 阻塞路径使用）
type StorePollCommand struct {
	id   string
	Book *domain.BookSnapshot
}

func (c *StorePollCommand) CommandType() CacheCommandType { return CmdStorePoll }
func (c *StorePollCommand) ID() string                    { return c.id }

// RefreshDoneCommand 后台刷新完成命令
type RefreshDoneCommand struct {
	id       string
	MarketID string
	Book     *domain.BookSnapshot
	Err      error
}

func (c *RefreshDoneCommand) CommandType() CacheCommandType { return CmdRefreshDone }
func (c *RefreshDoneCommand) ID() string                    { return c.id }

// RegisterListenerCommand 注册更新监听器命令
type RegisterListenerCommand struct {
	id       string
	Listener UpdateListener
}

func (c *RegisterListenerCommand) CommandType() CacheCommandType { return CmdRegisterListener }
func (c *RegisterListenerCommand) ID() string                    { return c.id }

// QueryStatsCommand 查询统计命令
type QueryStatsCommand struct {
	id    string
	Reply chan Stats
}

func (c *QueryStatsCommand) CommandType() CacheCommandType { return CmdQueryStats }
func (c *QueryStatsCommand) ID() string                    { return c.id }

// Stats 缓存统计
type Stats struct {
	Hits            int64 // TTL 内命中
	Misses          int64 // 无数据
	StaleServed     int64 // 过期降级返回
	PushUpdates     int64 // 推送写入次数
	PollFetches     int64 // 轮询成功次数
	PollErrors      int64 // 轮询失败次数（软失败，仅计数）
	RefreshDeduped  int64 // 刷新去重命中次数
	CooldownSkipped int64 // 冷却期内被跳过的刷新
	Evictions       int64 // 过期淘汰条目数
}

// entry 单市场缓存条目
type entry struct {
	book       *domain.BookSnapshot
	lastAccess time.Time
}

// Cache 行情缓存 actor
// 所有内部状态只由 Run 循环这一个 goroutine 触碰，无锁
type Cache struct {
	cfg     config.QuoteCacheConfig
	fetcher Fetcher
	sub     Subscriber
	limiter *inflight.Limiter

	cmdChan chan CacheCommand

	// 以下状态仅 Run goroutine 访问
	entries    map[string]*entry
	refreshing map[string]bool      // 去重：刷新在途的市场
	lastPoll   map[string]time.Time // 冷却：上次轮询时间
	listeners  []UpdateListener
	stats      Stats

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建行情缓存
func New(fetcher Fetcher, sub Subscriber, cfg config.QuoteCacheConfig) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cfg:        cfg,
		fetcher:    fetcher,
		sub:        sub,
		limiter:    inflight.NewLimiter(cfg.PollConcurrency),
		cmdChan:    make(chan CacheCommand, 256),
		entries:    make(map[string]*entry),
		refreshing: make(map[string]bool),
		lastPoll:   make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run 启动缓存主循环，阻塞直到 ctx 取消
// 淘汰检查与命令处理共用同一循环，保持单 goroutine 所有权。
// 内部 ctx 在 New 里创建且此后只读，Run 退出时取消它以释放
// 阻塞在 submit / 读回复上的调用方
func (c *Cache) Run(ctx context.Context) {
	defer c.cancel()

	evictTicker := time.NewTicker(c.cfg.QuoteTTL())
	defer evictTicker.Stop()

	cacheLog.Info("行情缓存已启动")
	for {
		select {
		case cmd := <-c.cmdChan:
			c.handleCommand(cmd)
		case now := <-evictTicker.C:
			c.evictIdle(now)
		case <-ctx.Done():
			cacheLog.Info("行情缓存已停止")
			return
		case <-c.ctx.Done():
			cacheLog.Info("行情缓存已停止")
			return
		}
	}
}

func (c *Cache) submit(cmd CacheCommand) {
	select {
	case c.cmdChan <- cmd:
	case <-c.ctx.Done():
	}
}

func (c *Cache) handleCommand(cmd CacheCommand) {
	defer func() {
		if r := recover(); r != nil {
			cacheLog.Errorf("处理命令 panic: %v, 类型: %s, ID: %s", r, cmd.CommandType(), cmd.ID())
		}
	}()

	switch cmd.CommandType() {
	case CmdGetSync:
		c.handleGetSync(cmd.(*GetSyncCommand))
	case CmdApplyPush:
		c.handleApplyPush(cmd.(*ApplyPushCommand))
	case CmdApplyTopOfBook:
		c.handleApplyTopOfBook(cmd.(*ApplyTopOfBookCommand))
	case CmdStorePoll:
		c.storePoll(cmd.(*StorePollCommand).Book)
	case CmdRefreshDone:
		c.handleRefreshDone(cmd.(*RefreshDoneCommand))
	case CmdRegisterListener:
		c.listeners = append(c.listeners, cmd.(*RegisterListenerCommand).Listener)
	case CmdQueryStats:
		cmd.(*QueryStatsCommand).Reply <- c.stats
	default:
		cacheLog.Errorf("未知命令类型: %s", cmd.CommandType())
	}
}

// GetSync 同步读取：TTL 内返回快照；过期且 allowStale 时返回过期数据
// 并调度后台刷新；无数据时调度后台刷新并返回 ErrNoData。永不做网络 I/O
func (c *Cache) GetSync(marketID string) (*domain.BookSnapshot, error) {
	reply := make(chan *GetResult, 1)
	c.submit(&GetSyncCommand{id: uuid.NewString(), MarketID: marketID, Reply: reply})

	select {
	case res := <-reply:
		return res.Book, res.Err
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// Get 异步读取：TTL 内直接返回；过期/缺失时做一次阻塞轮询
// （受全局并发上限约束）；轮询失败时按 allowStale 降级或返回 ErrNoData
func (c *Cache) Get(ctx context.Context, marketID string) (*domain.BookSnapshot, error) {
	reply := make(chan *GetResult, 1)
	c.submit(&GetSyncCommand{id: uuid.NewString(), MarketID: marketID, Reply: reply})

	var cached *GetResult
	select {
	case cached = <-reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if cached.Err == nil && !cached.Stale {
		return cached.Book, nil
	}

	// 过期或缺失：尝试一次阻塞轮询
	book, err := c.blockingFetch(ctx, marketID)
	if err == nil {
		return book, nil
	}

	// 轮询失败：按 allowStale 降级
	if c.cfg.AllowStale && cached.Book != nil {
		return cached.Book, nil
	}
	return nil, ErrNoData
}

// blockingFetch 执行一次受并发上限约束的轮询
func (c *Cache) blockingFetch(ctx context.Context, marketID string) (*domain.BookSnapshot, error) {
	if !c.cfg.EnablePoll {
		return nil, ErrNoData
	}
	if !c.limiter.TryAcquire() {
		return nil, errors.New("轮询并发已达上限")
	}
	defer c.limiter.Release()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout())
	defer cancel()

	book, err := c.fetcher.FetchOrderBook(fetchCtx, marketID)
	if err != nil {
		cacheLog.WithField("market", marketID).Debugf("阻塞轮询失败: %v", err)
		return nil, err
	}
	c.submit(&StorePollCommand{id: uuid.NewString(), Book: book})
	return book, nil
}

// ApplyPushUpdate 写入一张推送快照
func (c *Cache) ApplyPushUpdate(book *domain.BookSnapshot) {
	c.submit(&ApplyPushCommand{id: uuid.NewString(), Book: book})
}

// ApplyTopOfBook 应用买一/卖一增量
func (c *Cache) ApplyTopOfBook(marketID string, bestBid, bestAsk domain.Price, at time.Time) {
	c.submit(&ApplyTopOfBookCommand{
		id:       uuid.NewString(),
		MarketID: marketID,
		BestBid:  bestBid,
		BestAsk:  bestAsk,
		At:       at,
	})
}

// OnUpdate 注册推送更新监听器
func (c *Cache) OnUpdate(fn UpdateListener) {
	c.submit(&RegisterListenerCommand{id: uuid.NewString(), Listener: fn})
}

// GetStats 获取统计快照
func (c *Cache) GetStats() Stats {
	reply := make(chan Stats, 1)
	c.submit(&QueryStatsCommand{id: uuid.NewString(), Reply: reply})
	select {
	case s := <-reply:
		return s
	case <-c.ctx.Done():
		return Stats{}
	}
}

// Subscribe 分批建立推送订阅，批间停顿避免压垮交易所
func (c *Cache) Subscribe(ctx context.Context, marketIDs []string) error {
	if !c.cfg.EnablePush || c.sub == nil {
		return nil
	}
	batch := c.cfg.SubscribeBatchSize
	for i := 0; i < len(marketIDs); i += batch {
		end := i + batch
		if end > len(marketIDs) {
			end = len(marketIDs)
		}
		if err := c.sub.SubscribeBooks(marketIDs[i:end]...); err != nil {
			return errors.Wrapf(err, "订阅批次 %d-%d 失败", i, end)
		}
		if end < len(marketIDs) {
			select {
			case <-time.After(c.cfg.SubscribeBatchPause()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	cacheLog.Infof("已订阅 %d 个市场", len(marketIDs))
	return nil
}

// ---- 以下方法仅由 Run goroutine 调用 ----

func (c *Cache) handleGetSync(cmd *GetSyncCommand) {
	now := time.Now()
	e, ok := c.entries[cmd.MarketID]
	if !ok {
		c.stats.Misses++
		c.scheduleRefresh(cmd.MarketID, now)
		cmd.Reply <- &GetResult{Err: ErrNoData}
		return
	}
	e.lastAccess = now

	if e.book.IsFresh(c.cfg.QuoteTTL(), now) {
		c.stats.Hits++
		cmd.Reply <- &GetResult{Book: e.book}
		return
	}

	// 已过期：无论是否降级都调度后台刷新
	c.scheduleRefresh(cmd.MarketID, now)
	if c.cfg.AllowStale {
		c.stats.StaleServed++
		cmd.Reply <- &GetResult{Book: e.book, Stale: true}
		return
	}
	c.stats.Misses++
	cmd.Reply <- &GetResult{Book: e.book, Stale: true, Err: ErrNoData}
}

// handleApplyPush 推送数据权威，总是覆盖
// 写入前统一归一化排序，来源侧的顺序不可信
func (c *Cache) handleApplyPush(cmd *ApplyPushCommand) {
	book := cmd.Book
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	if err := book.Validate(); err != nil {
		cacheLog.WithField("market", book.MarketID).Warnf("丢弃非法推送快照: %v", err)
		return
	}
	c.store(book)
	c.stats.PushUpdates++
	for _, fn := range c.listeners {
		fn(book.MarketID, book)
	}
}

// handleApplyTopOfBook 只更新现有快照的买一/卖一档
// 无快照可改时调度一次刷新拉全量
func (c *Cache) handleApplyTopOfBook(cmd *ApplyTopOfBookCommand) {
	e, ok := c.entries[cmd.MarketID]
	if !ok {
		c.scheduleRefresh(cmd.MarketID, time.Now())
		return
	}
	book := e.book
	if len(book.Bids) > 0 && !cmd.BestBid.IsZero() {
		book.Bids[0].Price = cmd.BestBid
	}
	if len(book.Asks) > 0 && !cmd.BestAsk.IsZero() {
		book.Asks[0].Price = cmd.BestAsk
	}
	book.UpdatedAt = cmd.At
	book.Source = domain.BookSourcePush
	c.stats.PushUpdates++
	for _, fn := range c.listeners {
		fn(cmd.MarketID, book)
	}
}

func (c *Cache) storePoll(book *domain.BookSnapshot) {
	// 推送期间轮询数据不覆盖更新的推送快照
	if e, ok := c.entries[book.MarketID]; ok &&
		e.book.Source == domain.BookSourcePush &&
		e.book.UpdatedAt.After(book.UpdatedAt) {
		return
	}
	c.store(book)
	c.stats.PollFetches++
	c.lastPoll[book.MarketID] = time.Now()
}

func (c *Cache) store(book *domain.BookSnapshot) {
	now := time.Now()
	if e, ok := c.entries[book.MarketID]; ok {
		e.book = book
		e.lastAccess = now
		return
	}
	c.entries[book.MarketID] = &entry{book: book, lastAccess: now}
}

// scheduleRefresh 调度一次后台刷新
// 去重（同市场在途刷新为 no-op）+ 冷却（同市场两次轮询有最小间隔），
// 共同压住缓存未命中风暴下的请求放大
func (c *Cache) scheduleRefresh(marketID string, now time.Time) {
	if !c.cfg.EnablePoll {
		return
	}
	if c.refreshing[marketID] {
		c.stats.RefreshDeduped++
		return
	}
	if last, ok := c.lastPoll[marketID]; ok && now.Sub(last) < c.cfg.PollCooldown() {
		c.stats.CooldownSkipped++
		return
	}
	if !c.limiter.TryAcquire() {
		c.stats.CooldownSkipped++
		return
	}
	c.refreshing[marketID] = true
	c.lastPoll[marketID] = now

	go func() {
		defer c.limiter.Release()
		fetchCtx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout())
		defer cancel()

		book, err := c.fetcher.FetchOrderBook(fetchCtx, marketID)
		c.submit(&RefreshDoneCommand{id: uuid.NewString(), MarketID: marketID, Book: book, Err: err})
	}()
}

func (c *Cache) handleRefreshDone(cmd *RefreshDoneCommand) {
	delete(c.refreshing, cmd.MarketID)
	if cmd.Err != nil {
		// 软失败：只计数，不向调用方抛出
		c.stats.PollErrors++
		cacheLog.WithField("market", cmd.MarketID).Debugf("后台刷新失败: %v", cmd.Err)
		return
	}
	c.storePoll(cmd.Book)
}

// evictIdle 淘汰超过 2×TTL 未被访问的条目
func (c *Cache) evictIdle(now time.Time) {
	cutoff := 2 * c.cfg.QuoteTTL()
	for id, e := range c.entries {
		if now.Sub(e.lastAccess) > cutoff && now.Sub(e.book.UpdatedAt) > cutoff {
			delete(c.entries, id)
			c.stats.Evictions++
		}
	}
}
