package arena

import "time"

// PlayerID identifies a player across connections and sessions.
// Непрозрачная строка: числовые id из токенов нормализуются в decimal форму.
type PlayerID string

// SessionID identifies one logical session (one game, one matchmaking slot).
type SessionID string

// ConnID identifies a single transport connection.
// Не переживает reconnect: каждое принятое соединение получает свежий id.
type ConnID string

// Message is one outbound frame produced by a session object.
// Broadcast=true адресует кадр всем подключённым игрокам сессии.
type Message struct {
	Broadcast bool
	To        PlayerID // addressee when Broadcast is false
	Text      []byte
}

// Session is the host-supplied state machine driven by the engine.
//
// Движок сериализует все вызовы одной сессии (mutex на запись), поэтому
// реализации не обязаны быть thread-safe. Update получает только валидный
// JSON. Done, став true, обязан оставаться true.
type Session interface {
	// Players returns the fixed roster set at construction.
	Players() []PlayerID
	// Connect notifies that a player came online.
	Connect(id PlayerID)
	// Disconnect notifies that a player went offline.
	Disconnect(id PlayerID)
	// Update feeds one player message into the state machine.
	Update(id PlayerID, msg []byte)
	// Tick advances the session by delta.
	Tick(delta time.Duration)
	// HasMessage reports whether an outbound message is pending.
	HasMessage() bool
	// PeekMessage returns the oldest pending message without removing it.
	PeekMessage() Message
	// PopMessage removes the oldest pending message.
	PopMessage()
	// Done reports whether the session finished.
	Done() bool
	// Result returns the claim body of the player's result token.
	Result(id PlayerID) any
}

// Factory builds a session object from the data claim of a verified
// connect token. Ошибка означает отвергнутый payload: соединение
// закрывается, состояние не создаётся.
type Factory func(data []byte) (Session, error)

// Claims is the engine-visible content of a bearer token.
type Claims struct {
	Player  PlayerID
	Session SessionID
	Data    []byte // raw JSON payload
}

// Codec signs and verifies compact bearer tokens.
type Codec interface {
	Sign(c Claims) (string, error)
	// Verify возвращает ошибку, оборачивающую ErrBadToken, при любом отказе.
	Verify(raw string) (Claims, error)
}

// Transport delivers frames to clients and closes connections.
// Реализации обязаны быть безопасны для конкурентного использования
// и не должны блокироваться в Send (медленный клиент — ошибка, не ожидание).
type Transport interface {
	Send(id ConnID, text []byte) error
	Close(id ConnID, reason string)
}

// Receiver accepts transport upcalls. *Server implements it.
// Для одного соединения транспорт обязан доставлять события строго
// в порядке open, messages, close.
type Receiver interface {
	HandleOpen(id ConnID)
	HandleClose(id ConnID)
	HandleMessage(id ConnID, text []byte)
}

// QueueInfo is a snapshot of one live unfinished session,
// как его видят внешние планировщики (матчмейкер).
type QueueInfo struct {
	Session SessionID
	Players []PlayerID
	Data    []byte        // construction payload of the session
	Age     time.Duration // time since the session record was created
}

// Close reasons sent to clients.
const (
	CloseReasonReconnect = "player connected again"
	CloseReasonEnded     = "game ended"
	CloseReasonArchived  = "session ended"
	CloseReasonMatched   = "matched"
	CloseReasonCancelled = "cancelled"
)

// Stats is a sink for engine counters. Реализация может быть no-op;
// Prometheus-имплементация живёт в internal/metrics.
type Stats interface {
	ActionQueued(kind string)
	TokenVerified(ok bool)
	SessionStarted()
	SessionArchived()
	SessionsLive(n int)
	ConnectionsOpen(delta int)
	TickCompleted(d time.Duration)
	MatchFormed(groupSize int)
}

// NopStats is a Stats implementation that discards everything.
type NopStats struct{}

func (NopStats) ActionQueued(string)          {}
func (NopStats) TokenVerified(bool)           {}
func (NopStats) SessionStarted()              {}
func (NopStats) SessionArchived()             {}
func (NopStats) SessionsLive(int)             {}
func (NopStats) ConnectionsOpen(int)          {}
func (NopStats) TickCompleted(time.Duration)  {}
func (NopStats) MatchFormed(int)              {}
