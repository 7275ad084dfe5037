package arena

import (
	"sync"
	"time"
)

// instance is one live session record: объект сессии плюс его подключения.
//
// mu сериализует все обращения к объекту сессии и картам conns/online.
// Исходящие кадры вычерпываются в локальный буфер под mu, а отправка в
// транспорт выполняется уже после разблокировки. Ростер players
// фиксируется при создании и дальше читается без блокировки.
//
// admit берётся раньше mu и держится на всю последовательность
// вытеснение-привязка одного подключения (server.bindPlayer); под mu
// admit не берётся никогда.
type instance struct {
	id      SessionID
	created time.Time
	data    []byte // construction payload, отдаётся планировщикам как есть
	players map[PlayerID]struct{}

	admit sync.Mutex // сериализует подключения одного игрока между lane

	mu     sync.Mutex
	sess   Session
	conns  map[PlayerID]ConnID
	online map[PlayerID]bool
	reaped bool // результаты опубликованы, запись мертва
}

// outFrame is one frame addressed to a concrete connection.
type outFrame struct {
	conn ConnID
	text []byte
}

func newInstance(id SessionID, sess Session, data []byte, created time.Time) *instance {
	roster := sess.Players()
	players := make(map[PlayerID]struct{}, len(roster))
	for _, p := range roster {
		players[p] = struct{}{}
	}
	return &instance{
		id:      id,
		created: created,
		data:    data,
		players: players,
		sess:    sess,
		conns:   make(map[PlayerID]ConnID, len(roster)),
		online:  make(map[PlayerID]bool, len(roster)),
	}
}

// permitted reports whether the player belongs to the session roster.
func (in *instance) permitted(id PlayerID) bool {
	_, ok := in.players[id]
	return ok
}

// roster returns the fixed player list.
func (in *instance) roster() []PlayerID {
	out := make([]PlayerID, 0, len(in.players))
	for p := range in.players {
		out = append(out, p)
	}
	return out
}

// boundConn returns the connection currently bound to the player.
func (in *instance) boundConn(id PlayerID) (ConnID, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	conn, ok := in.conns[id]
	return conn, ok
}

// connect binds the connection and wakes the session object on the
// offline→online edge. Повторный connect с уже привязанным handle —
// no-op для объекта (идемпотентный reconnect); смена handle после
// вытеснения тоже не даёт второго Connect.
// ok=false когда запись уже reaped: результат надо искать в архиве.
func (in *instance) connect(id PlayerID, conn ConnID) (frames []outFrame, ok bool) {
	in.mu.Lock()
	if in.reaped {
		in.mu.Unlock()
		return nil, false
	}
	in.conns[id] = conn
	if !in.online[id] {
		in.online[id] = true
		in.sess.Connect(id)
	}
	frames = in.drainLocked()
	in.mu.Unlock()
	return frames, true
}

// disconnect unbinds the connection and notifies the session object.
// Устаревший handle (пришедший после вытеснения) игнорируется, чтобы
// поздний CLOSE не отвязал уже заменившее его соединение.
func (in *instance) disconnect(id PlayerID, conn ConnID) (frames []outFrame, ok bool) {
	in.mu.Lock()
	if in.reaped {
		in.mu.Unlock()
		return nil, false
	}
	cur, bound := in.conns[id]
	if !bound || cur != conn {
		in.mu.Unlock()
		return nil, true
	}
	delete(in.conns, id)
	in.online[id] = false
	in.sess.Disconnect(id)
	frames = in.drainLocked()
	in.mu.Unlock()
	return frames, true
}

// update передаёт сообщение игрока объекту сессии.
func (in *instance) update(id PlayerID, msg []byte) (frames []outFrame, ok bool) {
	in.mu.Lock()
	if in.reaped {
		in.mu.Unlock()
		return nil, false
	}
	in.sess.Update(id, msg)
	frames = in.drainLocked()
	in.mu.Unlock()
	return frames, true
}

// tick advances the session one step and reports whether it finished.
func (in *instance) tick(delta time.Duration) (frames []outFrame, done bool) {
	in.mu.Lock()
	if in.reaped {
		in.mu.Unlock()
		return nil, true
	}
	in.sess.Tick(delta)
	frames = in.drainLocked()
	done = in.sess.Done()
	in.mu.Unlock()
	return frames, done
}

// markOffline помечает игрока отключённым после неудачной отправки.
// Само соединение остаётся привязанным: его снимет последующий CLOSE.
func (in *instance) markOffline(id PlayerID, conn ConnID) {
	in.mu.Lock()
	if cur, bound := in.conns[id]; bound && cur == conn {
		in.online[id] = false
	}
	in.mu.Unlock()
}

// results собирает result-клеймы всех игроков ростера.
// ok=false если запись уже reaped другим путём.
func (in *instance) results() (map[PlayerID]any, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.reaped {
		return nil, false
	}
	out := make(map[PlayerID]any, len(in.players))
	for id := range in.players {
		out[id] = in.sess.Result(id)
	}
	return out, true
}

// finish помечает запись reaped атомарно с публикацией результата:
// publish выполняется под mu, поэтому любой connect, увидевший reaped,
// гарантированно найдёт токены в архиве. Возвращает подключения
// игроков, бывших online в момент завершения.
func (in *instance) finish(publish func()) (conns map[PlayerID]ConnID, ok bool) {
	in.mu.Lock()
	if in.reaped {
		in.mu.Unlock()
		return nil, false
	}
	publish()
	in.reaped = true
	conns = make(map[PlayerID]ConnID, len(in.conns))
	for id, c := range in.conns {
		if in.online[id] {
			conns[id] = c
		}
	}
	in.mu.Unlock()
	return conns, true
}

// boundConns returns all currently bound connections, online or not.
func (in *instance) boundConns() map[PlayerID]ConnID {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[PlayerID]ConnID, len(in.conns))
	for id, c := range in.conns {
		out[id] = c
	}
	return out
}

// view returns the scheduler snapshot of the session.
// ok=false для завершённых и reaped записей.
func (in *instance) view(now time.Time) (QueueInfo, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.reaped || in.sess.Done() {
		return QueueInfo{}, false
	}
	return QueueInfo{
		Session: in.id,
		Players: in.roster(),
		Data:    in.data,
		Age:     now.Sub(in.created),
	}, true
}

// drainLocked вычерпывает исходящую очередь объекта в буфер кадров.
// Broadcast разворачивается по online-игрокам. Вызывается строго под mu.
func (in *instance) drainLocked() []outFrame {
	var frames []outFrame
	for in.sess.HasMessage() {
		m := in.sess.PeekMessage()
		in.sess.PopMessage()

		if m.Broadcast {
			for id, on := range in.online {
				if !on {
					continue
				}
				if conn, bound := in.conns[id]; bound {
					frames = append(frames, outFrame{conn: conn, text: m.Text})
				}
			}
			continue
		}

		if !in.online[m.To] {
			continue
		}
		conn, bound := in.conns[m.To]
		if !bound {
			continue
		}
		frames = append(frames, outFrame{conn: conn, text: m.Text})
	}
	return frames
}
