package dispatch

import "sync"

// defaultOutboundBuffer 是每个会话出站队列的默认容量。
const defaultOutboundBuffer = 64

// outbox 是单个会话的出站队列，由连接的写协程消费。
// 受理确认发出前，同一证明的后续事件被暂存，保证 ack 先于任何进度事件。
// 队列写满即视为溢出，Dispatcher 随后把会话当作慢消费者关闭。
type outbox struct {
	mu         sync.Mutex
	ch         chan Event
	closed     bool
	overflowed bool
	held       map[string][]Event
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = defaultOutboundBuffer
	}
	return &outbox{ch: make(chan Event, size), held: make(map[string][]Event)}
}

// push 非阻塞地写入事件，返回 false 表示会话已关闭或队列已满。
func (o *outbox) push(ev Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if ev.ProofID != "" {
		if pending, ok := o.held[ev.ProofID]; ok {
			o.held[ev.ProofID] = append(pending, ev)
			return true
		}
	}
	return o.sendLocked(ev)
}

func (o *outbox) sendLocked(ev Event) bool {
	select {
	case o.ch <- ev:
		return true
	default:
		o.overflowed = true
		return false
	}
}

// overflow 报告队列是否曾因写满而拒绝事件。
func (o *outbox) overflow() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflowed
}

// hold 开始暂存某个证明的事件。
func (o *outbox) hold(proofID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.held[proofID] = nil
	}
}

// release 结束暂存：先写入 ack（可为空），再按顺序写入暂存的事件。
// 返回写入失败的事件，由调用方计入丢弃。
func (o *outbox) release(proofID string, ack *Event) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	pending := o.held[proofID]
	delete(o.held, proofID)

	var dropped []Event
	if o.closed {
		if ack != nil {
			dropped = append(dropped, *ack)
		}
		return append(dropped, pending...)
	}
	if ack != nil && !o.sendLocked(*ack) {
		dropped = append(dropped, *ack)
	}
	for _, ev := range pending {
		if !o.sendLocked(ev) {
			dropped = append(dropped, ev)
		}
	}
	return dropped
}

// close 关闭队列，返回仍在暂存中的事件。
func (o *outbox) close() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	close(o.ch)
	var pending []Event
	for _, events := range o.held {
		pending = append(pending, events...)
	}
	o.held = nil
	return pending
}
