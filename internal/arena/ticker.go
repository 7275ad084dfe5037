package arena

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTickPeriod — reference timestep for turn-based sessions.
const DefaultTickPeriod = 500 * time.Millisecond

// maxSleepSlice ограничивает один сон цикла: драйвер просыпается не реже
// раза в миллисекунду и быстро реагирует на shutdown.
const maxSleepSlice = time.Millisecond

// Ticker drives periodic work on a fixed timestep.
//
// Цикл меряет дельту от предыдущего срабатывания и досыпает остаток
// периода короткими кусками. Колбэк получает фактическую дельту, поэтому
// просадки цикла не замедляют игровое время.
type Ticker struct {
	period time.Duration
	stopCh chan struct{}

	// Подменяются в тестах для детерминированного хода времени.
	now   func() time.Time
	sleep func(time.Duration)
}

// TickerOption настраивает Ticker.
type TickerOption func(*Ticker)

// WithClock substitutes the time source and the sleep function.
// Используется тестами для детерминированного прогона цикла.
func WithClock(now func() time.Time, sleep func(time.Duration)) TickerOption {
	return func(t *Ticker) {
		if now != nil {
			t.now = now
		}
		if sleep != nil {
			t.sleep = sleep
		}
	}
}

// NewTicker creates a tick driver with the given period.
func NewTicker(period time.Duration, opts ...TickerOption) *Ticker {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	t := &Ticker{
		period: period,
		stopCh: make(chan struct{}),
		now:    time.Now,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Period returns the configured timestep.
func (t *Ticker) Period() time.Duration {
	return t.period
}

// Run крутит цикл до отмены контекста или Stop.
// tick вызывается с дельтой не меньше периода; между вызовами драйвер
// спит кусками не длиннее maxSleepSlice.
func (t *Ticker) Run(ctx context.Context, tick func(delta time.Duration)) error {
	slog.Debug("tick driver started", "period", t.period)
	last := t.now()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("tick driver stopping", "reason", "context")
			return ctx.Err()
		case <-t.stopCh:
			slog.Debug("tick driver stopping", "reason", "stop")
			return nil
		default:
		}

		now := t.now()
		delta := now.Sub(last)
		if delta < t.period {
			rest := t.period - delta
			if rest > maxSleepSlice {
				rest = maxSleepSlice
			}
			t.sleep(rest)
			continue
		}

		last = now
		tick(delta)
	}
}

// Stop останавливает цикл. Безопасно вызывать не больше одного раза.
func (t *Ticker) Stop() {
	close(t.stopCh)
}
