package executor

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/internal/fillwatcher"
	"github.com/betbot/crossarb/internal/venue"
	"github.com/betbot/crossarb/pkg/config"
)

// ---- 测试替身 ----

type fakeQuotes struct {
	mu    sync.Mutex
	books map[string]*domain.BookSnapshot
}

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{books: make(map[string]*domain.BookSnapshot)}
}

func (q *fakeQuotes) set(id string, b *domain.BookSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.books[id] = b
}

func (q *fakeQuotes) GetSync(id string) (*domain.BookSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.books[id]; ok {
		return b, nil
	}
	return nil, errors.New("无行情数据")
}

func (q *fakeQuotes) Get(_ context.Context, id string) (*domain.BookSnapshot, error) {
	return q.GetSync(id)
}

type watchReg struct {
	hash      string
	size      float64
	cb        fillwatcher.Callback
	cancelled *atomic.Bool
}

type fakeWatcher struct {
	regs chan watchReg
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{regs: make(chan watchReg, 16)}
}

func (w *fakeWatcher) WatchOrder(hash string, size float64, cb fillwatcher.Callback, _ time.Duration, _ int64) fillwatcher.CancelFunc {
	var cancelled atomic.Bool
	w.regs <- watchReg{hash: hash, size: size, cb: cb, cancelled: &cancelled}
	return func() { cancelled.Store(true) }
}

// nextReg 取下一个监听注册，超时即失败
func (w *fakeWatcher) nextReg(t *testing.T) watchReg {
	t.Helper()
	select {
	case r := <-w.regs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("等待监听注册超时")
		return watchReg{}
	}
}

type fakeVenue struct {
	name domain.VenueName

	mu       sync.Mutex
	placed   []*venue.OrderRequest
	cancels  []string
	states   map[string]*venue.OrderState
	placeErr error
	seq      int64
}

func newFakeVenue(name domain.VenueName) *fakeVenue {
	return &fakeVenue{name: name, states: make(map[string]*venue.OrderState)}
}

func (v *fakeVenue) PlaceOrder(_ context.Context, req *venue.OrderRequest) (*venue.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return nil, v.placeErr
	}
	v.seq++
	cp := *req
	v.placed = append(v.placed, &cp)
	return &venue.OrderAck{
		OrderHash:    "0x" + string(v.name) + "-" + strconv.FormatInt(v.seq, 10),
		VenueOrderID: v.seq,
	}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, hash string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels = append(v.cancels, hash)
	return nil
}

func (v *fakeVenue) OrderStatus(_ context.Context, hash string) (*venue.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.states[hash]; ok {
		return s, nil
	}
	return &venue.OrderState{OrderHash: hash, Status: domain.OrderStatusCanceled}, nil
}

func (v *fakeVenue) FetchOrderBook(context.Context, string) (*domain.BookSnapshot, error) {
	return nil, errors.New("未实现")
}

func (v *fakeVenue) Name() domain.VenueName { return v.name }

func (v *fakeVenue) placedOrders() []*venue.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*venue.OrderRequest, len(v.placed))
	copy(out, v.placed)
	return out
}

// ---- 公共构造 ----

func mkBook(id string, bids, asks [][2]float64) *domain.BookSnapshot {
	b := &domain.BookSnapshot{
		MarketID:  id,
		Source:    domain.BookSourcePush,
		UpdatedAt: time.Now(),
	}
	for _, l := range bids {
		b.Bids = append(b.Bids, domain.BookLevel{Price: domain.PriceFromDecimal(l[0]), Size: l[1]})
	}
	for _, l := range asks {
		b.Asks = append(b.Asks, domain.BookLevel{Price: domain.PriceFromDecimal(l[0]), Size: l[1]})
	}
	return b
}

func execTestCfg() config.ExecutorConfig {
	return config.ExecutorConfig{
		OrderTimeoutMs:  60_000,
		MaxHedgeRetries: 3,
		MinProfitBuffer: 0.01,
		TaskExpiryMs:    120_000,
		PausePolicy:     config.PausePolicyResume,
		MaxPauses:       3,
		LossHedgeWaitMs: 30_000,
		WatchTimeoutMs:  60_000,
		GuardIntervalMs: 3_600_000, // 默认关掉守护检查，需要的测试单独调小
	}
}

type harness struct {
	quotes  *fakeQuotes
	watcher *fakeWatcher
	entryV  *fakeVenue
	hedgeV  *fakeVenue
	exec    *Executor
	pair    domain.Pair
}

func newHarness(cfg config.ExecutorConfig) *harness {
	h := &harness{
		quotes:  newFakeQuotes(),
		watcher: newFakeWatcher(),
		entryV:  newFakeVenue(domain.VenueEntry),
		hedgeV:  newFakeVenue(domain.VenueHedge),
		pair: domain.Pair{
			EntryMarketID: "mkt-entry",
			HedgeMarketID: "mkt-hedge",
			FeeRate:       0.02,
			TickSize:      0.01,
		},
	}
	h.exec = New(cfg, h.quotes, h.watcher, h.entryV, h.hedgeV, nil, nil)
	// 入场 0.40 挂单 + 对冲 0.50 吃单：利润 0.09，限价约 0.578
	h.quotes.set("mkt-entry", mkBook("mkt-entry", [][2]float64{{0.40, 500}}, [][2]float64{{0.42, 500}}))
	h.quotes.set("mkt-hedge", mkBook("mkt-hedge", [][2]float64{{0.48, 500}}, [][2]float64{{0.50, 1000}}))
	return h
}

func (h *harness) run(t *testing.T, task *domain.Task) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.exec.Run(context.Background(), task) }()
	return done
}

func awaitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("等待任务结束超时")
		return nil
	}
}

func partialFill(total float64) fillwatcher.Update {
	return fillwatcher.Update{Kind: fillwatcher.UpdatePartial, TotalFilled: total, At: time.Now()}
}

func fullFill(total float64) fillwatcher.Update {
	return fillwatcher.Update{Kind: fillwatcher.UpdateFilled, TotalFilled: total, At: time.Now()}
}

// ---- 测试 ----

// 分笔成交逐笔对冲：两笔 30 的部分成交各自立即对冲，尾笔 40 成交后任务完成
func TestPartialFillsHedgedIncrementally(t *testing.T) {
	h := newHarness(execTestCfg())
	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	entryReg := h.watcher.nextReg(t)
	assert.InDelta(t, 100, entryReg.size, 1e-9)

	// 第一笔 30
	entryReg.cb(partialFill(30))
	hedgeReg := h.watcher.nextReg(t)
	assert.InDelta(t, 30, hedgeReg.size, 1e-9)
	hedgeReg.cb(fullFill(30))

	// 第二笔 30（累计 60）
	entryReg.cb(partialFill(60))
	hedgeReg = h.watcher.nextReg(t)
	assert.InDelta(t, 30, hedgeReg.size, 1e-9)
	hedgeReg.cb(fullFill(30))

	// 尾笔全部成交
	entryReg.cb(fullFill(100))
	hedgeReg = h.watcher.nextReg(t)
	assert.InDelta(t, 40, hedgeReg.size, 1e-9)
	hedgeReg.cb(fullFill(40))

	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.InDelta(t, 100, task.PredictFilledQty, 1e-9)
	assert.InDelta(t, 100, task.HedgedQty, 1e-9)
	assert.InDelta(t, 0, task.RemainingQty, 1e-9)
	require.NoError(t, task.CheckInvariants())

	hedgeOrders := h.hedgeV.placedOrders()
	require.Len(t, hedgeOrders, 3)
	assert.InDelta(t, 30, hedgeOrders[0].Size, 1e-9)
	assert.InDelta(t, 30, hedgeOrders[1].Size, 1e-9)
	assert.InDelta(t, 40, hedgeOrders[2].Size, 1e-9)
}

// 对冲连续失败耗尽重试：任务落 FAILED，裸露持仓标记人工介入
func TestHedgeRetriesExhausted(t *testing.T) {
	h := newHarness(execTestCfg())
	h.hedgeV.placeErr = errors.New("下单接口 500")
	h.exec.sleepUntil = func(context.Context, time.Time) error { return nil }

	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	entryReg := h.watcher.nextReg(t)
	entryReg.cb(fullFill(100))

	err := awaitDone(t, done)
	require.Error(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Equal(t, 3, task.HedgeRetryCount)
	assert.True(t, task.NeedsManual)
	assert.NotEmpty(t, task.ErrorDetails)
	assert.Contains(t, task.FailReason, "对冲重试耗尽")
	assert.InDelta(t, 100, task.UnhedgedQty(), 1e-9)
}

// 外部撤单（无守卫标志）：已成交部分先对冲，再落 CANCELLED
func TestExternalCancelHedgesFilledPortion(t *testing.T) {
	h := newHarness(execTestCfg())
	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	entryReg := h.watcher.nextReg(t)
	entryReg.cb(partialFill(40))
	hedgeReg := h.watcher.nextReg(t)
	hedgeReg.cb(fullFill(40))

	entryReg.cb(fillwatcher.Update{
		Kind:        fillwatcher.UpdateCancelled,
		OrderHash:   entryReg.hash,
		TotalFilled: 40,
		At:          time.Now(),
	})

	require.Error(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskCancelled, task.Status)
	assert.InDelta(t, 40, task.PredictFilledQty, 1e-9)
	assert.InDelta(t, 40, task.HedgedQty, 1e-9)
	assert.Contains(t, task.FailReason, "外部取消")
}

// 守卫标志竞态：价格保护自撤期间到达的取消事件不得按外部取消处理，
// 价格回归后用新价重挂并正常完成
func TestPauseGuardSuppressesCancelRace(t *testing.T) {
	cfg := execTestCfg()
	cfg.GuardIntervalMs = 20
	h := newHarness(cfg)
	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	entryReg := h.watcher.nextReg(t)
	firstHash := entryReg.hash

	// 对冲价拉高到限价之外，触发价格保护
	h.quotes.set("mkt-hedge", mkBook("mkt-hedge", [][2]float64{{0.58, 500}}, [][2]float64{{0.60, 1000}}))

	require.Eventually(t, func() bool {
		h.entryV.mu.Lock()
		defer h.entryV.mu.Unlock()
		return len(h.entryV.cancels) == 1
	}, 2*time.Second, 5*time.Millisecond, "未触发保护撤单")

	// 撤单回执和外部取消事件长得一样，守卫标志必须拦住它
	entryReg.cb(fillwatcher.Update{
		Kind:      fillwatcher.UpdateCancelled,
		OrderHash: firstHash,
		At:        time.Now(),
	})
	assert.NotEqual(t, domain.TaskCancelled, task.Status)

	// 价格回归，resume 策略换新价重挂
	h.quotes.set("mkt-hedge", mkBook("mkt-hedge", [][2]float64{{0.48, 500}}, [][2]float64{{0.50, 1000}}))

	entryReg2 := h.watcher.nextReg(t)
	assert.NotEqual(t, firstHash, entryReg2.hash)

	entryReg2.cb(fullFill(100))
	hedgeReg := h.watcher.nextReg(t)
	hedgeReg.cb(fullFill(100))

	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, 1, task.PauseCount)
	assert.False(t, task.IsPaused)
}

// 入场单超时无成交：撤单后落 TIMEOUT_CANCELLED
func TestEntryOrderTimeout(t *testing.T) {
	cfg := execTestCfg()
	cfg.OrderTimeoutMs = 50
	h := newHarness(cfg)
	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	h.watcher.nextReg(t)

	require.Error(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskTimeoutCancelled, task.Status)
	assert.InDelta(t, 0, task.PredictFilledQty, 1e-9)
	h.entryV.mu.Lock()
	assert.Len(t, h.entryV.cancels, 1)
	h.entryV.mu.Unlock()
}

// 对冲价持续超限：等待窗口耗尽后止损平仓，记录已实现损失
func TestLossHedgeWindowExpiresIntoUnwind(t *testing.T) {
	cfg := execTestCfg()
	cfg.LossHedgeWaitMs = 60
	cfg.GuardIntervalMs = 10
	h := newHarness(cfg)
	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	entryReg := h.watcher.nextReg(t)

	// 成交后把对冲价拉出限价，同时入场买一跌到 0.35
	h.quotes.set("mkt-hedge", mkBook("mkt-hedge", [][2]float64{{0.58, 500}}, [][2]float64{{0.60, 1000}}))
	h.quotes.set("mkt-entry", mkBook("mkt-entry", [][2]float64{{0.35, 500}}, [][2]float64{{0.42, 500}}))
	entryReg.cb(fullFill(100))

	// 平仓卖单
	unwindReg := h.watcher.nextReg(t)
	unwindReg.cb(fullFill(100))

	require.Error(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Contains(t, task.FailReason, "止损")
	assert.InDelta(t, 5.0, task.UnwindLoss, 1e-6) // (0.40-0.35)*100

	entryOrders := h.entryV.placedOrders()
	require.Len(t, entryOrders, 2)
	assert.Equal(t, domain.SideSell, entryOrders[1].Side)
	assert.InDelta(t, 100, entryOrders[1].Size, 1e-9)
}

// 校验阶段机会已失效：不下单直接 FAILED
func TestValidateRejectsUnprofitableOpportunity(t *testing.T) {
	h := newHarness(execTestCfg())
	// 入场 0.55 + 对冲 0.50 已无利润
	h.quotes.set("mkt-entry", mkBook("mkt-entry", [][2]float64{{0.55, 500}}, [][2]float64{{0.57, 500}}))

	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	err := h.exec.Run(context.Background(), task)

	require.Error(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Empty(t, h.entryV.placedOrders())
}

// 对账补投的终态事件不带新增量：对冲早已齐平，任务仍须正常落 COMPLETED
func TestFullFillWithoutNewQuantityCompletes(t *testing.T) {
	h := newHarness(execTestCfg())
	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	entryReg := h.watcher.nextReg(t)
	entryReg.cb(partialFill(100))
	hedgeReg := h.watcher.nextReg(t)
	hedgeReg.cb(fullFill(100))

	// 对账路径把累计 100 的终态再补投一次，增量为零
	entryReg.cb(fullFill(100))

	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.True(t, task.IsFullyHedged())
}

// taker 策略：入场直接吃卖一过价差，不带 post-only
func TestTakerStrategyCrossesSpread(t *testing.T) {
	h := newHarness(execTestCfg())
	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyTaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	entryReg := h.watcher.nextReg(t)
	entryReg.cb(fullFill(100))
	hedgeReg := h.watcher.nextReg(t)
	hedgeReg.cb(fullFill(100))

	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskCompleted, task.Status)

	entryOrders := h.entryV.placedOrders()
	require.Len(t, entryOrders, 1)
	assert.False(t, entryOrders[0].PostOnly)
	assert.InDelta(t, 0.42, entryOrders[0].Price.ToDecimal(), 1e-9)
}

// 亏损等待耗尽后的退出：深档里按入场成本仍不亏的部分先对冲掉，
// 只有剩余覆盖不住的数量才真正砍仓
func TestUnwindHedgesDeepBookPortionFirst(t *testing.T) {
	cfg := execTestCfg()
	cfg.LossHedgeWaitMs = 60
	cfg.GuardIntervalMs = 10
	h := newHarness(cfg)
	task := domain.NewTask(h.pair, domain.SideBuy, domain.StrategyMaker, domain.Price{}, 100, time.Now())
	done := h.run(t, task)

	entryReg := h.watcher.nextReg(t)

	// 卖一 0.585 超出限价但按入场价 0.40 仍有正利润，第二档 0.70 无利可图；
	// 入场买一跌到 0.35
	h.quotes.set("mkt-hedge", mkBook("mkt-hedge", [][2]float64{{0.57, 500}}, [][2]float64{{0.585, 60}, {0.70, 1000}}))
	h.quotes.set("mkt-entry", mkBook("mkt-entry", [][2]float64{{0.35, 500}}, [][2]float64{{0.42, 500}}))
	entryReg.cb(fullFill(100))

	// 深档部分对冲 60
	hedgeReg := h.watcher.nextReg(t)
	assert.InDelta(t, 60, hedgeReg.size, 1e-9)
	hedgeReg.cb(fullFill(60))

	// 残量 40 止损平仓
	unwindReg := h.watcher.nextReg(t)
	assert.InDelta(t, 40, unwindReg.size, 1e-9)
	unwindReg.cb(fullFill(40))

	require.Error(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.InDelta(t, 60, task.HedgedQty, 1e-9)
	assert.InDelta(t, 2.0, task.UnwindLoss, 1e-6) // (0.40-0.35)*40

	hedgeOrders := h.hedgeV.placedOrders()
	require.Len(t, hedgeOrders, 1)
	assert.InDelta(t, 0.585, hedgeOrders[0].Price.ToDecimal(), 1e-9)
}

// 平仓任务：按买盘深度反向吃掉裸露持仓，记录实现损失
func TestCloseTaskLiquidatesPosition(t *testing.T) {
	h := newHarness(execTestCfg())
	h.quotes.set("mkt-entry", mkBook("mkt-entry", [][2]float64{{0.38, 60}, {0.36, 100}}, [][2]float64{{0.42, 500}}))

	task := domain.NewCloseTask(h.pair, domain.SideBuy, domain.PriceFromDecimal(0.40), 100, time.Now())
	done := h.run(t, task)

	closeReg := h.watcher.nextReg(t)
	assert.InDelta(t, 100, closeReg.size, 1e-9)
	closeReg.cb(fullFill(100))

	require.NoError(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskCompleted, task.Status)

	orders := h.entryV.placedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideSell, orders[0].Side)
	// 吃掉 100 需要走到 0.36 档
	assert.InDelta(t, 0.36, orders[0].Price.ToDecimal(), 1e-9)
	// 损失 = (0.40 - 加权 0.372) × 100
	assert.InDelta(t, 2.8, task.UnwindLoss, 1e-6)
}

// 平仓买盘吃不下全量：能平的部分平掉，残量继续裸露并标记人工介入
func TestCloseTaskShallowBidsLeavesResidual(t *testing.T) {
	h := newHarness(execTestCfg())
	h.quotes.set("mkt-entry", mkBook("mkt-entry", [][2]float64{{0.38, 30}}, [][2]float64{{0.42, 500}}))

	task := domain.NewCloseTask(h.pair, domain.SideBuy, domain.PriceFromDecimal(0.40), 100, time.Now())
	done := h.run(t, task)

	closeReg := h.watcher.nextReg(t)
	assert.InDelta(t, 30, closeReg.size, 1e-9)
	closeReg.cb(fullFill(30))

	require.Error(t, awaitDone(t, done))
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.True(t, task.NeedsManual)
	assert.InDelta(t, 70, task.RemainingQty, 1e-9)
}
