package dispatcher

import (
	"container/list"
	"context"
	"sync"

	"github.com/bdobrica/Hibiki/internal/hibiki/session"
)

// queues holds the pending messages of every active conversation. A
// conversation has a drain goroutine exactly while it has an entry in
// pending.
type queues struct {
	mu      sync.Mutex
	pending map[string]*list.List
	wg      sync.WaitGroup
}

// Run consumes session events until ctx is cancelled or events is closed,
// then waits for in-flight messages to finish. After cancellation messages
// still queued are dropped. Messages of one
// conversation are handled in arrival order, one at a time; different
// conversations proceed in parallel.
func (d *Dispatcher) Run(ctx context.Context, events <-chan session.Event) error {
	defer d.queues.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case session.MessageReceived:
				d.Enqueue(ctx, ev.Message)
			case session.StateChanged:
				d.Logger.Info("dispatcher: session state changed",
					"state", ev.State.String(),
					"terminal", ev.Terminal,
					"pairing_required", ev.PairingRequired,
				)
			}
		}
	}
}

// Enqueue schedules msg behind any earlier messages of its conversation.
// It reports false when the conversation's queue is full and msg was
// dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, msg session.InboundMessage) bool {
	q := &d.queues
	q.mu.Lock()
	defer q.mu.Unlock()

	l, active := q.pending[msg.ConversationID]
	if !active {
		l = list.New()
		q.pending[msg.ConversationID] = l
	}
	if l.Len() >= d.cfg.QueueDepth {
		d.Logger.Warn("dispatcher: conversation queue full, dropping message",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"depth", l.Len(),
		)
		return false
	}
	l.PushBack(msg)

	if !active {
		q.wg.Add(1)
		go d.drain(ctx, msg.ConversationID)
	}
	return true
}

// Pending returns the number of messages waiting for conversationID, not
// counting the one being handled.
func (d *Dispatcher) Pending(conversationID string) int {
	q := &d.queues
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.pending[conversationID]; ok {
		return l.Len()
	}
	return 0
}

// Wait blocks until every queued message has been handled.
func (d *Dispatcher) Wait() { d.queues.wg.Wait() }

func (d *Dispatcher) drain(ctx context.Context, conversationID string) {
	defer d.queues.wg.Done()
	for {
		if ctx.Err() != nil {
			d.discard(conversationID)
			return
		}
		msg, ok := d.next(conversationID)
		if !ok {
			return
		}
		out := d.Handle(ctx, msg)
		d.Logger.Debug("dispatcher: message handled",
			"conversation_id", conversationID,
			"message_id", msg.ID,
			"outcome", out.String(),
		)
	}
}

// next pops the oldest message, or retires the conversation when its
// queue is empty.
func (d *Dispatcher) next(conversationID string) (session.InboundMessage, bool) {
	q := &d.queues
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.pending[conversationID]
	front := l.Front()
	if front == nil {
		delete(q.pending, conversationID)
		return session.InboundMessage{}, false
	}
	l.Remove(front)
	return front.Value.(session.InboundMessage), true
}

// discard drops the conversation's queued messages once Run's context is
// done. They are left unseen so a redelivery after restart is handled.
func (d *Dispatcher) discard(conversationID string) {
	q := &d.queues
	q.mu.Lock()
	l := q.pending[conversationID]
	delete(q.pending, conversationID)
	q.mu.Unlock()

	if l != nil && l.Len() > 0 {
		d.Logger.Info("dispatcher: shutting down, dropping queued messages",
			"conversation_id", conversationID,
			"count", l.Len(),
		)
	}
}
