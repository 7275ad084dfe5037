package testutil

import (
	"fmt"
	"sync"

	"github.com/sessionforge/arena/internal/arena"
)

// FakeTransport реализует arena.Transport без сети: записывает кадры
// и закрытия по соединениям. Повторное Close игнорируется, как в
// настоящем транспорте остаётся причина первого закрытия.
type FakeTransport struct {
	mu      sync.Mutex
	sent    map[arena.ConnID][][]byte
	closed  map[arena.ConnID]string
	failing map[arena.ConnID]bool
}

// NewFakeTransport создаёт пустой FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		sent:    make(map[arena.ConnID][][]byte),
		closed:  make(map[arena.ConnID]string),
		failing: make(map[arena.ConnID]bool),
	}
}

// Send записывает кадр. Возвращает ошибку для закрытых и помеченных
// через FailSend соединений.
func (f *FakeTransport) Send(id arena.ConnID, text []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.closed[id]; ok {
		return fmt.Errorf("send to closed connection %s", id)
	}
	if f.failing[id] {
		return fmt.Errorf("send to failing connection %s", id)
	}

	frame := make([]byte, len(text))
	copy(frame, text)
	f.sent[id] = append(f.sent[id], frame)
	return nil
}

// Close записывает закрытие. Первая причина остаётся.
func (f *FakeTransport) Close(id arena.ConnID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.closed[id]; ok {
		return
	}
	f.closed[id] = reason
}

// FailSend помечает соединение сбойным: каждый Send в него будет
// возвращать ошибку.
func (f *FakeTransport) FailSend(id arena.ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[id] = true
}

// Sent возвращает копию всех кадров, отправленных в соединение.
func (f *FakeTransport) Sent(id arena.ConnID) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]byte, len(f.sent[id]))
	copy(out, f.sent[id])
	return out
}

// SentCount возвращает число кадров, отправленных в соединение.
func (f *FakeTransport) SentCount(id arena.ConnID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[id])
}

// LastSent возвращает последний кадр соединения, nil если кадров не было.
func (f *FakeTransport) LastSent(id arena.ConnID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	frames := f.sent[id]
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

// Closed сообщает, закрыто ли соединение.
func (f *FakeTransport) Closed(id arena.ConnID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.closed[id]
	return ok
}

// CloseReason возвращает причину закрытия соединения.
func (f *FakeTransport) CloseReason(id arena.ConnID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.closed[id]
	return reason, ok
}
