// Package fillwatcher 将交易所的异步成交/取消事件与在途订单关联起来
// 推送通道为主路径，断线重连后用状态轮询对账兜底
package fillwatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/internal/venue"
	"github.com/betbot/crossarb/pkg/logger"
)

var watcherLog = logger.WithField("component", "fill_watcher")

// UpdateKind 订单事件类型
type UpdateKind string

const (
	UpdateAccepted  UpdateKind = "accepted"
	UpdatePartial   UpdateKind = "partial_fill"
	UpdateFilled    UpdateKind = "filled"
	UpdateCancelled UpdateKind = "cancelled"
)

// IsTerminal 判断事件是否终结监听
func (k UpdateKind) IsTerminal() bool {
	return k == UpdateFilled || k == UpdateCancelled
}

// Update 投递给监听方的订单事件
type Update struct {
	Kind         UpdateKind
	OrderHash    string
	VenueOrderID int64
	FilledQty    float64 // 本次事件的成交数量
	TotalFilled  float64 // 累计成交数量
	RemainingQty float64
	Price        domain.Price
	At           time.Time
}

// Callback 事件回调，在监听方自己的 goroutine 中执行
type Callback func(Update)

// CancelFunc 撤销监听
type CancelFunc func()

// StatusPoller 对账用的订单状态查询
type StatusPoller interface {
	OrderStatus(ctx context.Context, orderHash string) (*venue.OrderState, error)
}

// registration 监听注册项，仅 Run goroutine 访问
type registration struct {
	id           string
	orderHash    string
	venueOrderID int64
	size         float64
	totalFilled  float64
	cb           Callback
	deadline     time.Time
	timer        *time.Timer
	done         bool // 终态事件已投递
}

// matches 判断事件是否命中本注册项
// 哈希与交易所数字 ID 任一匹配即命中：两个标识可能先后从 API 的不同部分到达
func (r *registration) matches(orderHash string, venueOrderID int64) bool {
	if r.orderHash != "" && orderHash != "" && r.orderHash == orderHash {
		return true
	}
	if r.venueOrderID != 0 && venueOrderID != 0 && r.venueOrderID == venueOrderID {
		return true
	}
	return false
}

type watchCmd struct {
	reg   *registration
	reply chan CancelFunc
}

type unwatchCmd struct {
	regID string
}

type expireCmd struct {
	regID string
}

type eventCmd struct {
	ev venue.Event
}

type reconcileResultCmd struct {
	regID string
	state *venue.OrderState
}

type regCountCmd struct {
	reply chan int
}

// Watcher 成交监听器 actor
// 注册表只由 Run 循环这一个 goroutine 持有，无锁
type Watcher struct {
	poller  StatusPoller
	cmdChan chan interface{}

	// 仅 Run goroutine 访问
	regs map[string]*registration

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New 创建成交监听器
// poller 可为 nil，此时重连后没有对账兜底
func New(poller StatusPoller) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		poller:  poller,
		cmdChan: make(chan interface{}, 256),
		regs:    make(map[string]*registration),
		ctx:     ctx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
	}
}

// Run 启动主循环，阻塞直到 ctx 取消或 Stop 被调用
// 退出时确定性释放所有注册项与定时器。
// 内部 ctx 在 New 里创建且此后只读，退出时取消它释放阻塞的提交方
func (w *Watcher) Run(ctx context.Context) {
	defer w.cancel()
	defer close(w.doneCh)

	watcherLog.Info("成交监听器已启动")
	for {
		select {
		case cmd := <-w.cmdChan:
			w.handleCommand(cmd)
		case <-ctx.Done():
			w.teardown()
			watcherLog.Info("成交监听器已停止")
			return
		case <-w.ctx.Done():
			w.teardown()
			watcherLog.Info("成交监听器已停止")
			return
		}
	}
}

// Stop 停止监听器并等待主循环退出
func (w *Watcher) Stop() {
	w.cancel()
	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
		watcherLog.Warn("成交监听器关闭超时")
	}
}

func (w *Watcher) submit(cmd interface{}) {
	select {
	case w.cmdChan <- cmd:
	case <-w.ctx.Done():
	}
}

// WatchOrder 注册订单监听，返回撤销句柄
//
// size 为订单总量，用于计算剩余数量；venueOrderIDHint 可为 0，
// 后续事件带数字 ID 时自动补全。timeout 内无命中事件则静默丢弃注册
// （调用方负责在超时后用状态轮询兜底）。
func (w *Watcher) WatchOrder(orderHash string, size float64, cb Callback, timeout time.Duration, venueOrderIDHint int64) CancelFunc {
	reg := &registration{
		id:           uuid.NewString(),
		orderHash:    orderHash,
		venueOrderID: venueOrderIDHint,
		size:         size,
		cb:           cb,
		deadline:     time.Now().Add(timeout),
	}

	reply := make(chan CancelFunc, 1)
	w.submit(&watchCmd{reg: reg, reply: reply})

	select {
	case fn := <-reply:
		return fn
	case <-w.ctx.Done():
		return func() {}
	}
}

// RegCount 返回当前在途监听数量
func (w *Watcher) RegCount() int {
	reply := make(chan int, 1)
	w.submit(&regCountCmd{reply: reply})
	select {
	case n := <-reply:
		return n
	case <-w.ctx.Done():
		return 0
	}
}

// HandleEvent 处理一条来自推送流的事件（由事件路由调用）
func (w *Watcher) HandleEvent(ev venue.Event) {
	switch ev.(type) {
	case venue.FillEvent, venue.CancelEvent, venue.ReconnectedEvent:
		w.submit(&eventCmd{ev: ev})
	}
}

// ---- 以下方法仅由 Run goroutine 调用 ----

func (w *Watcher) handleCommand(cmd interface{}) {
	switch c := cmd.(type) {
	case *watchCmd:
		w.handleWatch(c)
	case *unwatchCmd:
		w.removeReg(c.regID)
	case *expireCmd:
		w.handleExpire(c.regID)
	case *eventCmd:
		w.handleEvent(c.ev)
	case *reconcileResultCmd:
		w.handleReconcileResult(c)
	case *regCountCmd:
		c.reply <- len(w.regs)
	default:
		watcherLog.Errorf("未知命令类型: %T", cmd)
	}
}

func (w *Watcher) handleWatch(cmd *watchCmd) {
	reg := cmd.reg
	w.regs[reg.id] = reg

	reg.timer = time.AfterFunc(time.Until(reg.deadline), func() {
		w.submit(&expireCmd{regID: reg.id})
	})

	regID := reg.id
	cmd.reply <- func() {
		w.submit(&unwatchCmd{regID: regID})
	}

	watcherLog.WithField("hash", reg.orderHash).Debugf("开始监听订单, 超时 %s", time.Until(reg.deadline).Round(time.Millisecond))
}

func (w *Watcher) removeReg(regID string) {
	reg, ok := w.regs[regID]
	if !ok {
		return
	}
	if reg.timer != nil {
		reg.timer.Stop()
	}
	delete(w.regs, regID)
}

// handleExpire 超时静默丢弃：不投递任何事件，调用方自行轮询兜底
func (w *Watcher) handleExpire(regID string) {
	if reg, ok := w.regs[regID]; ok {
		watcherLog.WithField("hash", reg.orderHash).Debug("监听超时，静默丢弃")
		w.removeReg(regID)
	}
}

func (w *Watcher) handleEvent(ev venue.Event) {
	switch e := ev.(type) {
	case venue.FillEvent:
		w.dispatchFill(e)
	case venue.CancelEvent:
		w.dispatchCancel(e)
	case venue.ReconnectedEvent:
		w.reconcileAll()
	}
}

func (w *Watcher) dispatchFill(e venue.FillEvent) {
	for _, reg := range w.regs {
		if reg.done || !reg.matches(e.OrderHash, e.VenueOrderID) {
			continue
		}
		// 补全后到的标识
		if reg.venueOrderID == 0 && e.VenueOrderID != 0 {
			reg.venueOrderID = e.VenueOrderID
		}
		if reg.orderHash == "" && e.OrderHash != "" {
			reg.orderHash = e.OrderHash
		}

		reg.totalFilled += e.Size
		if reg.totalFilled > reg.size {
			reg.totalFilled = reg.size
		}
		remaining := reg.size - reg.totalFilled

		kind := UpdatePartial
		if e.IsFinal || remaining <= 0 {
			kind = UpdateFilled
		}

		update := Update{
			Kind:         kind,
			OrderHash:    reg.orderHash,
			VenueOrderID: reg.venueOrderID,
			FilledQty:    e.Size,
			TotalFilled:  reg.totalFilled,
			RemainingQty: remaining,
			Price:        e.Price,
			At:           e.At,
		}

		// 终态先移除注册再投递，保证同一订单恰好一次终态通知
		if kind.IsTerminal() {
			reg.done = true
			w.removeReg(reg.id)
		}
		reg.cb(update)
		return
	}
}

func (w *Watcher) dispatchCancel(e venue.CancelEvent) {
	for _, reg := range w.regs {
		if reg.done || !reg.matches(e.OrderHash, e.VenueOrderID) {
			continue
		}
		update := Update{
			Kind:         UpdateCancelled,
			OrderHash:    reg.orderHash,
			VenueOrderID: reg.venueOrderID,
			TotalFilled:  reg.totalFilled,
			RemainingQty: reg.size - reg.totalFilled,
			At:           e.At,
		}
		reg.done = true
		w.removeReg(reg.id)
		reg.cb(update)
		return
	}
}

// reconcileAll 重连后对每个存活注册做一次状态轮询，
// 补回断线期间可能丢失的终态事件。注册不绑定连接生命周期
func (w *Watcher) reconcileAll() {
	if w.poller == nil || len(w.regs) == 0 {
		return
	}
	watcherLog.Infof("推送通道重连，对 %d 个在途监听发起对账", len(w.regs))

	for _, reg := range w.regs {
		regID := reg.id
		hash := reg.orderHash
		go func() {
			ctx, cancel := context.WithTimeout(w.ctx, 5*time.Second)
			defer cancel()
			state, err := w.poller.OrderStatus(ctx, hash)
			if err != nil {
				watcherLog.WithField("hash", hash).Debugf("对账轮询失败: %v", err)
				return
			}
			w.submit(&reconcileResultCmd{regID: regID, state: state})
		}()
	}
}

func (w *Watcher) handleReconcileResult(cmd *reconcileResultCmd) {
	reg, ok := w.regs[cmd.regID]
	if !ok || reg.done {
		return
	}
	state := cmd.state

	var kind UpdateKind
	switch state.Status {
	case domain.OrderStatusFilled:
		kind = UpdateFilled
	case domain.OrderStatusCanceled:
		kind = UpdateCancelled
	case domain.OrderStatusPartial:
		kind = UpdatePartial
	default:
		// 订单仍挂着，推送会继续覆盖
		return
	}

	if state.VenueOrderID != 0 && reg.venueOrderID == 0 {
		reg.venueOrderID = state.VenueOrderID
	}
	delta := state.FilledSize - reg.totalFilled
	if delta < 0 {
		delta = 0
	}
	reg.totalFilled = state.FilledSize

	update := Update{
		Kind:         kind,
		OrderHash:    reg.orderHash,
		VenueOrderID: reg.venueOrderID,
		FilledQty:    delta,
		TotalFilled:  reg.totalFilled,
		RemainingQty: reg.size - reg.totalFilled,
		Price:        state.AvgFillPrice,
		At:           time.Now(),
	}
	if kind.IsTerminal() {
		reg.done = true
		w.removeReg(reg.id)
	}
	reg.cb(update)
}

// teardown 释放所有注册与定时器
func (w *Watcher) teardown() {
	for id := range w.regs {
		w.removeReg(id)
	}
}
