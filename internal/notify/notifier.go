// Package notify delivers joined workflow snapshots to live observers.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"agentflow/backend/pkg/models"
)

// SnapshotReader is the part of the store the notifier needs.
type SnapshotReader interface {
	ReadJoined(ctx context.Context, workflowID string) (*models.Snapshot, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Options configures a Notifier.
type Options struct {
	// Buffer is the number of messages a subscriber may have queued.
	Buffer int
	// SendTimeout bounds how long a publish waits on one full subscriber
	// before dropping it.
	SendTimeout time.Duration
}

// Subscription is one registered observer. Messages arrive on C in the order
// they were published; C is closed when the subscription ends.
type Subscription struct {
	id         uint64
	workflowID string
	ch         chan models.Message
	since      uint64 // topic ticket at registration
	closed     bool   // guarded by the topic lock
}

// C returns the message channel.
func (s *Subscription) C() <-chan models.Message { return s.ch }

// WorkflowID returns the observed workflow.
func (s *Subscription) WorkflowID() string { return s.workflowID }

// topic holds the observers of one workflow. Register, unregister and
// broadcast all happen under its lock; snapshot reads for a publish do not.
type topic struct {
	mu   sync.Mutex
	subs []*Subscription
	dead bool
	// seq numbers publishes in the order they were requested.
	seq uint64
}

// Notifier keeps a registry of observers per workflow.
type Notifier struct {
	store  SnapshotReader
	logger Logger
	opts   Options

	mu     sync.Mutex
	topics map[string]*topic
	nextID atomic.Uint64
}

// New creates a Notifier reading snapshots from store.
func New(store SnapshotReader, logger Logger, opts Options) *Notifier {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = time.Second
	}
	return &Notifier{
		store:  store,
		logger: logger,
		opts:   opts,
		topics: make(map[string]*topic),
	}
}

// Subscribe registers an observer of workflowID. The initial snapshot,
// tagged init, is queued before Subscribe returns and before any update.
func (n *Notifier) Subscribe(ctx context.Context, workflowID string) (*Subscription, error) {
	for {
		t := n.topic(workflowID, true)
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}

		snap, err := n.store.ReadJoined(ctx, workflowID)
		if err != nil {
			empty := len(t.subs) == 0
			t.mu.Unlock()
			if empty {
				n.release(workflowID, t)
			}
			return nil, err
		}

		sub := &Subscription{
			id:         n.nextID.Add(1),
			workflowID: workflowID,
			ch:         make(chan models.Message, n.opts.Buffer),
			since:      t.seq,
		}
		sub.ch <- models.Message{Type: models.MessageInit, Data: snap}
		t.subs = append(t.subs, sub)
		t.mu.Unlock()

		n.logger.Debug("observer subscribed", "workflow_id", workflowID, "subscription", sub.id)
		return sub, nil
	}
}

// Unsubscribe removes the observer and closes its channel. It is safe to
// call more than once.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t := n.topic(sub.workflowID, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	removed := t.remove(sub)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if removed {
		n.logger.Debug("observer unsubscribed", "workflow_id", sub.workflowID, "subscription", sub.id)
	}
	if empty {
		n.release(sub.workflowID, t)
	}
}

// Publish reads the current snapshot and delivers it, tagged update, to every
// observer of workflowID in registration order. An observer that cannot
// accept the message within the send timeout is dropped. The snapshot is
// read outside the topic lock, so concurrent publishes may deliver in either
// order. Observers that subscribed after the publish was requested are
// skipped; their init already includes it.
func (n *Notifier) Publish(ctx context.Context, workflowID string) error {
	t := n.topic(workflowID, false)
	if t == nil {
		return nil
	}

	t.mu.Lock()
	if len(t.subs) == 0 {
		t.mu.Unlock()
		return nil
	}
	t.seq++
	ticket := t.seq
	t.mu.Unlock()

	snap, err := n.store.ReadJoined(ctx, workflowID)
	if err != nil {
		return err
	}
	msg := models.Message{Type: models.MessageUpdate, Data: snap}

	t.mu.Lock()
	var dropped []*Subscription
	for _, sub := range t.subs {
		if sub.since >= ticket {
			continue
		}
		if !n.deliver(sub, msg) {
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		t.remove(sub)
		n.logger.Warn("dropped slow observer", "workflow_id", workflowID, "subscription", sub.id)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		n.release(workflowID, t)
	}
	return nil
}

// Subscribers returns the number of live observers of workflowID.
func (n *Notifier) Subscribers(workflowID string) int {
	t := n.topic(workflowID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	topics := n.topics
	n.topics = make(map[string]*topic)
	n.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for len(t.subs) > 0 {
			t.remove(t.subs[0])
		}
		t.dead = true
		t.mu.Unlock()
	}
}

func (n *Notifier) deliver(sub *Subscription, msg models.Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
	}
	timer := time.NewTimer(n.opts.SendTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- msg:
		return true
	case <-timer.C:
		return false
	}
}

func (n *Notifier) topic(workflowID string, create bool) *topic {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.topics[workflowID]
	if !ok && create {
		t = &topic{}
		n.topics[workflowID] = t
	}
	return t
}

// release drops an empty topic from the registry. A topic that gained an
// observer in the meantime is kept.
func (n *Notifier) release(workflowID string, t *topic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) > 0 || t.dead {
		return
	}
	n.mu.Lock()
	if n.topics[workflowID] == t {
		delete(n.topics, workflowID)
	}
	n.mu.Unlock()
	t.dead = true
}

// remove must be called with t.mu held.
func (t *topic) remove(sub *Subscription) bool {
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			return true
		}
	}
	return false
}
