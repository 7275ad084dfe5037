package arena

import (
	"fmt"
	"sync"
)

// binding связывает подключение с игроком и его сессией.
type binding struct {
	player  PlayerID
	session SessionID
}

// Registry owns the live half of the session state: карта подключений и
// реестр живых сессий с индексом по игроку.
//
// Два мьютекса независимы и никогда не берутся одновременно; ни один из
// них не удерживается через вызовы транспорта. Мьютекс записи сессии
// берётся либо без реестровых блокировок, либо под liveMu.RLock
// (snapshot в tick driver).
type Registry struct {
	connMu sync.RWMutex
	conns  map[ConnID]binding

	liveMu   sync.RWMutex
	live     map[SessionID]*instance
	byPlayer map[PlayerID]SessionID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[ConnID]binding, 64),
		live:     make(map[SessionID]*instance, 32),
		byPlayer: make(map[PlayerID]SessionID, 64),
	}
}

// Bind associates a connection with a player and a session.
func (r *Registry) Bind(conn ConnID, player PlayerID, session SessionID) {
	r.connMu.Lock()
	r.conns[conn] = binding{player: player, session: session}
	r.connMu.Unlock()
}

// Unbind removes the connection's binding and returns it.
func (r *Registry) Unbind(conn ConnID) (binding, bool) {
	r.connMu.Lock()
	b, ok := r.conns[conn]
	if ok {
		delete(r.conns, conn)
	}
	r.connMu.Unlock()
	return b, ok
}

// Lookup returns the binding of a connection.
func (r *Registry) Lookup(conn ConnID) (binding, bool) {
	r.connMu.RLock()
	b, ok := r.conns[conn]
	r.connMu.RUnlock()
	return b, ok
}

// ConnCount returns the number of bound connections.
func (r *Registry) ConnCount() int {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return len(r.conns)
}

// CreateSession регистрирует новую живую сессию.
// Атомарно проверяет оба инварианта реестра: уникальность id сессии и
// не больше одной живой сессии на игрока.
func (r *Registry) CreateSession(in *instance) error {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()

	if _, ok := r.live[in.id]; ok {
		return fmt.Errorf("session %s: %w", in.id, ErrSessionExists)
	}
	for p := range in.players {
		if sid, ok := r.byPlayer[p]; ok {
			return fmt.Errorf("player %s in session %s: %w", p, sid, ErrPlayerBusy)
		}
	}

	r.live[in.id] = in
	for p := range in.players {
		r.byPlayer[p] = in.id
	}
	return nil
}

// GetSession returns a live session record.
func (r *Registry) GetSession(id SessionID) (*instance, bool) {
	r.liveMu.RLock()
	in, ok := r.live[id]
	r.liveMu.RUnlock()
	return in, ok
}

// SessionByPlayer returns the live session the player belongs to.
func (r *Registry) SessionByPlayer(id PlayerID) (SessionID, bool) {
	r.liveMu.RLock()
	sid, ok := r.byPlayer[id]
	r.liveMu.RUnlock()
	return sid, ok
}

// RemoveSession withdraws a session from the live registry
// вместе с его записями в индексе игроков.
func (r *Registry) RemoveSession(id SessionID) {
	r.liveMu.Lock()
	in, ok := r.live[id]
	if !ok {
		r.liveMu.Unlock()
		return
	}
	delete(r.live, id)
	for p := range in.players {
		// Защита от гонки пересоздания: снимаем только свои записи
		if r.byPlayer[p] == id {
			delete(r.byPlayer, p)
		}
	}
	r.liveMu.Unlock()
}

// Snapshot returns all live session records.
// Слайс принадлежит вызывающему; записи могут устареть сразу после выхода.
func (r *Registry) Snapshot() []*instance {
	r.liveMu.RLock()
	out := make([]*instance, 0, len(r.live))
	for _, in := range r.live {
		out = append(out, in)
	}
	r.liveMu.RUnlock()
	return out
}

// LiveCount returns the number of live sessions.
func (r *Registry) LiveCount() int {
	r.liveMu.RLock()
	defer r.liveMu.RUnlock()
	return len(r.live)
}
