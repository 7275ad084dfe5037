package arena

import (
	"context"
	"sync"
)

// Default queue sizing. Overridden by config values when available.
const (
	defaultQueueLanes    = 4
	defaultQueueCapacity = 1024
)

// ActionKind enumerates transport events fed into the engine.
type ActionKind uint8

const (
	ActionOpen ActionKind = iota
	ActionClose
	ActionMessage
)

// String returns the action kind name for logs and metrics.
func (k ActionKind) String() string {
	switch k {
	case ActionOpen:
		return "open"
	case ActionClose:
		return "close"
	case ActionMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Action is one transport event: подключение, отключение или входящий кадр.
type Action struct {
	Kind ActionKind
	Conn ConnID
	Text []byte // payload for ActionMessage
}

// Queue is a FIFO of transport events with per-connection ordering.
//
// События одного соединения всегда попадают в одну lane (hash по ConnID),
// и каждую lane вычерпывает ровно один воркер, поэтому пул воркеров не
// переупорядочивает события между open, message и close одного соединения.
// Lane — буферизованный канал: это и mutex, и condition variable разом.
type Queue struct {
	lanes     []chan Action
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue with the given number of lanes and per-lane capacity.
func NewQueue(lanes, capacity int) *Queue {
	if lanes <= 0 {
		lanes = defaultQueueLanes
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	q := &Queue{
		lanes: make([]chan Action, lanes),
		done:  make(chan struct{}),
	}
	for i := range q.lanes {
		q.lanes[i] = make(chan Action, capacity)
	}
	return q
}

// Push enqueues an action, blocking while the connection's lane is full.
// Backpressure действует только на read pump этого соединения.
// После Close возвращает ErrQueueClosed.
func (q *Queue) Push(a Action) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.lanes[q.laneFor(a.Conn)] <- a:
		return nil
	case <-q.done:
		return ErrQueueClosed
	}
}

// TryPush enqueues an action without blocking.
// Используется изнутри воркеров (постановка CLOSE после неудачной отправки):
// блокирующий Push из воркера мог бы заклинить его собственную lane.
func (q *Queue) TryPush(a Action) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.lanes[q.laneFor(a.Conn)] <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain consumes one lane until the queue is closed or ctx is canceled.
// Каждую lane должен обслуживать ровно один воркер.
func (q *Queue) Drain(ctx context.Context, lane int, fn func(Action)) error {
	ch := q.lanes[lane]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			// Дочитываем остаток lane перед выходом
			for {
				select {
				case a := <-ch:
					fn(a)
				default:
					return nil
				}
			}
		case a := <-ch:
			fn(a)
		}
	}
}

// Lanes returns the number of lanes (one worker per lane).
func (q *Queue) Lanes() int {
	return len(q.lanes)
}

// Close stops the queue. Pending actions are still drained by workers.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// laneFor maps a connection to its lane. Inline FNV-1a: без аллокаций
// на hot path постановки.
func (q *Queue) laneFor(id ConnID) int {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= prime32
	}
	return int(h % uint32(len(q.lanes)))
}
