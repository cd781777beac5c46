package venue

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/pkg/config"
	"github.com/betbot/crossarb/pkg/logger"
)

var wsLog = logger.WithField("component", "venue.ws")

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPingInterval     = 10 * time.Second
	wsEventBufferSize  = 512
	wsErrorBufferSize  = 16
	wsDialRetries      = 3
	wsMaxBatchSize     = 100
)

// WSStream 交易所 WebSocket 推送流
// 管理连接生命周期、心跳、断线重连与重连后的重新订阅
type WSStream struct {
	name      domain.VenueName
	url       string
	reconnect config.ReconnectConfig
	batchSize int

	conn      *websocket.Conn
	connMu    sync.Mutex
	running   bool
	runningMu sync.RWMutex

	// 订阅管理：market_id -> 已订阅
	bookSubs  map[string]bool
	ordersSub bool
	subMu     sync.RWMutex

	eventChan chan Event
	errChan   chan error

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectAttempts int
	reconnectMu       sync.Mutex
}

var _ Stream = (*WSStream)(nil)

// NewWSStream 创建推送流客户端
func NewWSStream(name domain.VenueName, wsURL string, rc config.ReconnectConfig, batchSize int) *WSStream {
	if batchSize <= 0 || batchSize > wsMaxBatchSize {
		batchSize = wsMaxBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSStream{
		name:      name,
		url:       wsURL,
		reconnect: rc,
		batchSize: batchSize,
		bookSubs:  make(map[string]bool),
		eventChan: make(chan Event, wsEventBufferSize),
		errChan:   make(chan error, wsErrorBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start 建立连接并开始读取
func (s *WSStream) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return errors.New("推送流已在运行")
	}
	s.running = true
	s.runningMu.Unlock()

	// 内部 ctx 在构造时创建且此后只读；外部 ctx 取消时桥接到内部取消，
	// 避免读写循环里并发读到被替换的字段
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.cancel()
			case <-s.ctx.Done():
			}
		}()
	}

	if err := s.connect(); err != nil {
		s.runningMu.Lock()
		s.running = false
		s.runningMu.Unlock()
		return errors.Wrap(err, "初始连接失败")
	}

	go s.readLoop()
	go s.pingLoop()

	wsLog.WithField("venue", s.name).Infof("推送流已连接: %s", s.url)
	return nil
}

// Stop 优雅关闭
func (s *WSStream) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	close(s.stopCh)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		wsLog.WithField("venue", s.name).Warn("推送流关闭超时")
	}
}

// Events 返回解码后的事件通道
func (s *WSStream) Events() <-chan Event {
	return s.eventChan
}

// Errors 返回错误通道
func (s *WSStream) Errors() <-chan error {
	return s.errChan
}

// IsRunning 检查推送流是否在运行
func (s *WSStream) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	return s.running
}

// SubscribeBooks 订阅订单簿推送（分批发送，去重）
func (s *WSStream) SubscribeBooks(marketIDs ...string) error {
	s.subMu.Lock()
	newSubs := make([]string, 0)
	for _, id := range marketIDs {
		if !s.bookSubs[id] {
			s.bookSubs[id] = true
			newSubs = append(newSubs, id)
		}
	}
	s.subMu.Unlock()

	if len(newSubs) == 0 {
		return nil
	}
	return s.sendBookSubscription(newSubs)
}

// SubscribeOrders 订阅本账户订单事件
func (s *WSStream) SubscribeOrders() error {
	s.subMu.Lock()
	s.ordersSub = true
	s.subMu.Unlock()

	return s.writeJSON(map[string]interface{}{
		"type": "orders",
	})
}

func (s *WSStream) sendBookSubscription(marketIDs []string) error {
	// 按批发送，单批上限由交易所限制决定
	for i := 0; i < len(marketIDs); i += s.batchSize {
		end := i + s.batchSize
		if end > len(marketIDs) {
			end = len(marketIDs)
		}
		err := s.writeJSON(map[string]interface{}{
			"type":    "book",
			"markets": marketIDs[i:end],
		})
		if err != nil {
			return errors.Wrap(err, "发送订阅失败")
		}
		wsLog.WithField("venue", s.name).Debugf("已订阅 %d 个市场 (批次 %d-%d)", end-i, i, end)
	}
	return nil
}

func (s *WSStream) writeJSON(msg interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errors.New("未连接")
	}
	return s.conn.WriteJSON(msg)
}

// connect 建立连接
func (s *WSStream) connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
	}
	headers := make(http.Header)
	headers.Set("User-Agent", "crossarb/1.0")

	var conn *websocket.Conn
	var err error
	for i := 0; i < wsDialRetries; i++ {
		conn, _, err = dialer.Dial(s.url, headers)
		if err == nil {
			break
		}
		if i < wsDialRetries-1 {
			wsLog.WithField("venue", s.name).Warnf("连接尝试 %d/%d 失败: %v, 重试中", i+1, wsDialRetries, err)
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if err != nil {
		return errors.Wrap(err, "连接失败")
	}

	s.conn = conn
	s.reconnectMu.Lock()
	s.reconnectAttempts = 0
	s.reconnectMu.Unlock()
	return nil
}

// resubscribe 重连后重新订阅所有内容
func (s *WSStream) resubscribe() error {
	s.subMu.RLock()
	marketIDs := make([]string, 0, len(s.bookSubs))
	for id := range s.bookSubs {
		marketIDs = append(marketIDs, id)
	}
	ordersSub := s.ordersSub
	s.subMu.RUnlock()

	if len(marketIDs) > 0 {
		if err := s.sendBookSubscription(marketIDs); err != nil {
			return err
		}
	}
	if ordersSub {
		if err := s.writeJSON(map[string]interface{}{"type": "orders"}); err != nil {
			return err
		}
	}
	return nil
}

// readLoop 读取循环
func (s *WSStream) readLoop() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			s.doReconnect()
			time.Sleep(1 * time.Second)
			continue
		}

		// 不设置读取超时，连接状态靠 PING/PONG 文本心跳检测
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wsLog.WithField("venue", s.name).Info("推送流正常关闭")
				return
			}
			wsLog.WithField("venue", s.name).Warnf("读取错误: %v, 重连中", err)
			s.doReconnect()
			continue
		}

		s.handleMessage(message)
	}
}

// pingLoop 心跳循环，定期发送 PING 文本消息
func (s *WSStream) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				wsLog.WithField("venue", s.name).Warnf("PING 发送失败: %v", err)
			}
		}
	}
}

// doReconnect 重连（线性退避封顶）
// 重连并重新订阅成功后投递 ReconnectedEvent，监听方据此触发对账
func (s *WSStream) doReconnect() {
	s.reconnectMu.Lock()
	s.reconnectAttempts++
	attempts := s.reconnectAttempts
	s.reconnectMu.Unlock()

	if attempts > s.reconnect.MaxAttempts {
		select {
		case s.errChan <- errors.Errorf("达到最大重连次数 (%d)", s.reconnect.MaxAttempts):
		default:
		}
		return
	}

	delay := s.reconnect.InitialDelay() * time.Duration(attempts)
	if delay > s.reconnect.MaxDelay() {
		delay = s.reconnect.MaxDelay()
	}
	wsLog.WithField("venue", s.name).Infof("%v 后重连 (尝试 %d/%d)", delay, attempts, s.reconnect.MaxAttempts)

	select {
	case <-s.ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-time.After(delay):
	}

	if err := s.connect(); err != nil {
		wsLog.WithField("venue", s.name).Errorf("重连失败: %v", err)
		return
	}
	if err := s.resubscribe(); err != nil {
		wsLog.WithField("venue", s.name).Errorf("重新订阅失败: %v", err)
		return
	}

	s.emit(ReconnectedEvent{Venue: s.name, At: time.Now()})
	wsLog.WithField("venue", s.name).Info("重连完成，已重新订阅")
}

// handleMessage 处理一帧消息
func (s *WSStream) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '[' {
		// 文本心跳响应（PONG），无需处理
		return
	}

	events, err := DecodeEvents(s.name, trimmed)
	if err != nil {
		select {
		case s.errChan <- err:
		default:
		}
		return
	}
	for _, ev := range events {
		s.emit(ev)
	}
}

func (s *WSStream) emit(ev Event) {
	select {
	case s.eventChan <- ev:
	default:
		wsLog.WithFields(logrus.Fields{
			"venue": s.name,
			"event": ev,
		}).Warn("事件通道已满，丢弃事件")
	}
}
