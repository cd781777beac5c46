package fillwatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/internal/venue"
)

type fakePoller struct {
	mu     sync.Mutex
	states map[string]*venue.OrderState
	err    error
}

func (p *fakePoller) OrderStatus(ctx context.Context, orderHash string) (*venue.OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s, ok := p.states[orderHash]
	if !ok {
		return nil, errors.New("order not found")
	}
	return s, nil
}

func startWatcher(t *testing.T, poller StatusPoller) *Watcher {
	t.Helper()
	w := New(poller)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	return w
}

func collectUpdates() (Callback, *[]Update, *sync.Mutex) {
	var mu sync.Mutex
	updates := &[]Update{}
	return func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		*updates = append(*updates, u)
	}, updates, &mu
}

func fill(hash string, oid int64, size float64, final bool) venue.FillEvent {
	return venue.FillEvent{
		Venue:        domain.VenueEntry,
		OrderHash:    hash,
		VenueOrderID: oid,
		Price:        domain.PriceFromDecimal(0.45),
		Size:         size,
		IsFinal:      final,
		At:           time.Now(),
	}
}

func TestWatchOrderFillDelivery(t *testing.T) {
	w := startWatcher(t, nil)
	cb, updates, mu := collectUpdates()

	w.WatchOrder("0xabc", 100, cb, time.Minute, 0)

	w.HandleEvent(fill("0xabc", 0, 30, false))
	w.HandleEvent(fill("0xabc", 0, 70, true))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*updates) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, UpdatePartial, (*updates)[0].Kind)
	assert.Equal(t, 30.0, (*updates)[0].FilledQty)
	assert.Equal(t, 70.0, (*updates)[0].RemainingQty)
	assert.Equal(t, UpdateFilled, (*updates)[1].Kind)
	assert.Equal(t, 100.0, (*updates)[1].TotalFilled)
	assert.Equal(t, 0.0, (*updates)[1].RemainingQty)
}

func TestMatchByVenueOrderID(t *testing.T) {
	// 事件只带数字 ID，注册只有 hint
	w := startWatcher(t, nil)
	cb, updates, mu := collectUpdates()

	w.WatchOrder("0xabc", 50, cb, time.Minute, 777)
	w.HandleEvent(fill("", 777, 50, true))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*updates) == 1 && (*updates)[0].Kind == UpdateFilled
	}, time.Second, 10*time.Millisecond)
}

func TestVenueOrderIDLearnedFromEvent(t *testing.T) {
	// 先按哈希命中并学到数字 ID，之后只带数字 ID 的事件也能命中
	w := startWatcher(t, nil)
	cb, updates, mu := collectUpdates()

	w.WatchOrder("0xabc", 100, cb, time.Minute, 0)
	w.HandleEvent(fill("0xabc", 777, 30, false))
	w.HandleEvent(fill("", 777, 70, true))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*updates) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(777), (*updates)[1].VenueOrderID)
}

func TestExactlyOneTerminalNotification(t *testing.T) {
	w := startWatcher(t, nil)
	cb, updates, mu := collectUpdates()

	w.WatchOrder("0xabc", 100, cb, time.Minute, 0)
	w.HandleEvent(fill("0xabc", 0, 100, true))
	// 终态后的重复事件被忽略（注册已移除）
	w.HandleEvent(fill("0xabc", 0, 100, true))
	w.HandleEvent(venue.CancelEvent{OrderHash: "0xabc", At: time.Now()})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *updates, 1)
	assert.Equal(t, UpdateFilled, (*updates)[0].Kind)
}

func TestCancelDelivery(t *testing.T) {
	w := startWatcher(t, nil)
	cb, updates, mu := collectUpdates()

	w.WatchOrder("0xabc", 100, cb, time.Minute, 0)
	w.HandleEvent(fill("0xabc", 0, 40, false))
	w.HandleEvent(venue.CancelEvent{OrderHash: "0xabc", At: time.Now()})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*updates) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	last := (*updates)[1]
	assert.Equal(t, UpdateCancelled, last.Kind)
	assert.Equal(t, 40.0, last.TotalFilled)
	assert.Equal(t, 60.0, last.RemainingQty)
}

func TestWatchTimeoutSilentDrop(t *testing.T) {
	w := startWatcher(t, nil)
	cb, updates, mu := collectUpdates()

	w.WatchOrder("0xabc", 100, cb, 50*time.Millisecond, 0)

	assert.Eventually(t, func() bool {
		return w.RegCount() == 0
	}, time.Second, 10*time.Millisecond)

	// 超时静默：无任何回调
	mu.Lock()
	assert.Empty(t, *updates)
	mu.Unlock()

	// 超时后的事件不再命中
	w.HandleEvent(fill("0xabc", 0, 100, true))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, *updates)
	mu.Unlock()
}

func TestCancelFuncRemovesRegistration(t *testing.T) {
	w := startWatcher(t, nil)
	cb, updates, mu := collectUpdates()

	cancel := w.WatchOrder("0xabc", 100, cb, time.Minute, 0)
	cancel()

	assert.Eventually(t, func() bool {
		return w.RegCount() == 0
	}, time.Second, 10*time.Millisecond)

	w.HandleEvent(fill("0xabc", 0, 100, true))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, *updates)
	mu.Unlock()
}

func TestReconnectReconciliation(t *testing.T) {
	// 断线期间订单已成交：重连事件触发对账轮询并补投终态
	poller := &fakePoller{states: map[string]*venue.OrderState{
		"0xabc": {
			OrderHash:    "0xabc",
			VenueOrderID: 777,
			Status:       domain.OrderStatusFilled,
			FilledSize:   100,
			AvgFillPrice: domain.PriceFromDecimal(0.45),
		},
	}}
	w := startWatcher(t, poller)
	cb, updates, mu := collectUpdates()

	w.WatchOrder("0xabc", 100, cb, time.Minute, 0)
	w.HandleEvent(venue.ReconnectedEvent{Venue: domain.VenueEntry, At: time.Now()})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*updates) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	u := (*updates)[0]
	assert.Equal(t, UpdateFilled, u.Kind)
	assert.Equal(t, 100.0, u.TotalFilled)
	assert.Equal(t, int64(777), u.VenueOrderID)
}

func TestReconnectOpenOrderKeepsRegistration(t *testing.T) {
	// 对账发现订单仍挂着：注册保留，后续推送继续生效
	poller := &fakePoller{states: map[string]*venue.OrderState{
		"0xabc": {OrderHash: "0xabc", Status: domain.OrderStatusOpen},
	}}
	w := startWatcher(t, poller)
	cb, updates, mu := collectUpdates()

	w.WatchOrder("0xabc", 100, cb, time.Minute, 0)
	w.HandleEvent(venue.ReconnectedEvent{Venue: domain.VenueEntry, At: time.Now()})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, w.RegCount())

	w.HandleEvent(fill("0xabc", 0, 100, true))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*updates) == 1 && (*updates)[0].Kind == UpdateFilled
	}, time.Second, 10*time.Millisecond)
}

func TestStopReleasesRegistrations(t *testing.T) {
	w := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	cb, _, _ := collectUpdates()
	w.WatchOrder("0xabc", 100, cb, time.Minute, 0)
	require.Equal(t, 1, w.RegCount())

	cancel()
	w.Stop()
}

// 启动期并发注册：Run 拉起的同时注册监听不得出现竞态
func TestConcurrentWatchDuringStartup(t *testing.T) {
	w := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cb, _, _ := collectUpdates()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				w.WatchOrder(fmt.Sprintf("0x%d-%d", n, j), 100, cb, time.Minute, 0)
			}
		}(i)
	}
	go w.Run(ctx)
	wg.Wait()

	assert.Eventually(t, func() bool {
		return w.RegCount() == 160
	}, time.Second, 10*time.Millisecond)
}
