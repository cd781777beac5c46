// Package sigchan 提供合并式唤醒信号
// 扫描循环只关心"有没有新行情"，不关心来了几条：
// 缓冲满时多余的 Emit 直接丢弃，一次接收消化掉积压的全部信号
package sigchan

// Chan 非阻塞信号通道，不携带数据
type Chan struct {
	c chan struct{}
}

// New 创建信号通道，buffer 决定最多积压多少个未消费的唤醒
func New(buffer int) *Chan {
	if buffer <= 0 {
		buffer = 1
	}
	return &Chan{c: make(chan struct{}, buffer)}
}

// Emit 发出一次唤醒，通道满时直接丢弃（信号已在途，无需重复）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回接收端，供 select 使用
func (c *Chan) C() <-chan struct{} {
	return c.c
}
