package arena

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Engine defaults. Overridden by config values when available.
const (
	defaultTickWorkers      = 4
	defaultArchiveRetention = 30 * time.Minute
)

// Config задаёт параметры движка сессий.
type Config struct {
	// TickPeriod — шаг игрового времени (default 500ms).
	TickPeriod time.Duration
	// Workers — число воркеров очереди действий (по одному на lane).
	Workers int
	// TickWorkers — максимум параллельно тикающих сессий.
	TickWorkers int
	// QueueCapacity — ёмкость одной lane очереди действий.
	QueueCapacity int
	// ArchiveRetention — срок хранения result-токенов завершённых сессий.
	ArchiveRetention time.Duration
}

// Option is a functional option for Server configuration.
type Option func(*Server)

// WithStats sets the counters sink (default: NopStats).
func WithStats(st Stats) Option {
	return func(s *Server) {
		if st != nil {
			s.stats = st
		}
	}
}

// WithDoneCloseReason overrides the close reason sent to players of
// finished sessions. Игровой режим шлёт "game ended", матчмейкер —
// "cancelled" для снятых заявок.
func WithDoneCloseReason(reason string) Option {
	return func(s *Server) {
		s.doneReason = reason
	}
}

// WithAbandonOnDisconnect withdraws a session entirely when a bound
// connection closes. Режим очереди: разрыв соединения снимает заявку
// без токенов и архива.
func WithAbandonOnDisconnect() Option {
	return func(s *Server) {
		s.abandonOnClose = true
	}
}

// WithTickerClock substitutes the tick driver's time source (tests).
func WithTickerClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(s *Server) {
		s.tickerOpts = append(s.tickerOpts, WithClock(now, sleep))
		if now != nil {
			s.now = now
		}
	}
}

// Server is the session engine: принимает события транспорта, ведёт
// реестр сессий, гоняет tick driver и архивирует результаты.
//
// Жизненный цикл одного соединения: первый кадр — connect-токен;
// после успешной привязки кадры уходят в playerUpdate его сессии.
// Невалидный токен не закрывает соединение: клиент может повторить.
type Server struct {
	cfg       Config
	transport Transport
	verifier  Codec
	signer    Codec
	factory   Factory
	stats     Stats

	queue    *Queue
	registry *Registry
	archive  *Archive
	ticker   *Ticker

	doneReason     string
	abandonOnClose bool
	now            func() time.Time
	tickerOpts     []TickerOption
}

// New creates a session server. Transport, verifier, signer и factory
// обязательны; отсутствие любого из них — ошибка конфигурации.
func New(cfg Config, tr Transport, verifier, signer Codec, factory Factory, opts ...Option) (*Server, error) {
	if tr == nil {
		return nil, errors.New("arena: transport is required")
	}
	if verifier == nil {
		return nil, errors.New("arena: token verifier is required")
	}
	if signer == nil {
		return nil, errors.New("arena: token signer is required")
	}
	if factory == nil {
		return nil, errors.New("arena: session factory is required")
	}

	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultQueueLanes
	}
	if cfg.TickWorkers <= 0 {
		cfg.TickWorkers = defaultTickWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.ArchiveRetention <= 0 {
		cfg.ArchiveRetention = defaultArchiveRetention
	}

	s := &Server{
		cfg:        cfg,
		transport:  tr,
		verifier:   verifier,
		signer:     signer,
		factory:    factory,
		stats:      NopStats{},
		queue:      NewQueue(cfg.Workers, cfg.QueueCapacity),
		registry:   NewRegistry(),
		archive:    NewArchive(cfg.ArchiveRetention),
		doneReason: CloseReasonEnded,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.ticker = NewTicker(cfg.TickPeriod, s.tickerOpts...)
	return s, nil
}

// Run запускает воркеры очереди, tick driver и sweeper архива.
// Блокируется до отмены контекста; отмена — штатная остановка.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for lane := 0; lane < s.queue.Lanes(); lane++ {
		g.Go(func() error {
			if err := s.queue.Drain(gctx, lane, s.handleAction); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("queue worker %d: %w", lane, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := s.ticker.Run(gctx, func(delta time.Duration) {
			s.tickSessions(gctx, delta)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tick driver: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.archive.RunSweeper(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("archive sweeper: %w", err)
		}
		return nil
	})

	slog.Info("session engine started",
		"tick_period", s.cfg.TickPeriod,
		"workers", s.cfg.Workers,
		"tick_workers", s.cfg.TickWorkers,
		"retention", s.cfg.ArchiveRetention)

	err := g.Wait()
	s.queue.Close()
	return err
}

// LiveSessions returns the number of live sessions.
func (s *Server) LiveSessions() int {
	return s.registry.LiveCount()
}

// ArchivedSessions returns the number of archived sessions.
func (s *Server) ArchivedSessions() int {
	return s.archive.Count()
}

// Connections returns the number of authenticated connections.
func (s *Server) Connections() int {
	return s.registry.ConnCount()
}

// --- Receiver: upcalls транспорта ---

// HandleOpen enqueues an OPEN event. Состояние не создаётся:
// соединение остаётся анонимным до первого валидного токена.
func (s *Server) HandleOpen(id ConnID) {
	s.push(Action{Kind: ActionOpen, Conn: id})
}

// HandleClose enqueues a CLOSE event.
func (s *Server) HandleClose(id ConnID) {
	s.push(Action{Kind: ActionClose, Conn: id})
}

// HandleMessage enqueues an inbound frame.
func (s *Server) HandleMessage(id ConnID, text []byte) {
	s.push(Action{Kind: ActionMessage, Conn: id, Text: text})
}

func (s *Server) push(a Action) {
	if err := s.queue.Push(a); err != nil {
		slog.Debug("action dropped", "kind", a.Kind, "conn", a.Conn, "error", err)
		return
	}
	s.stats.ActionQueued(a.Kind.String())
}

// --- Worker: разбор действий ---

func (s *Server) handleAction(a Action) {
	switch a.Kind {
	case ActionOpen:
		slog.Debug("connection opened", "conn", a.Conn)
	case ActionClose:
		s.handleClose(a.Conn)
	case ActionMessage:
		s.handleMessage(a.Conn, a.Text)
	}
}

func (s *Server) handleMessage(conn ConnID, text []byte) {
	if b, ok := s.registry.Lookup(conn); ok {
		s.handleUpdate(conn, b, text)
		return
	}
	s.handleToken(conn, text)
}

// handleToken — первый кадр анонимного соединения: connect-токен.
func (s *Server) handleToken(conn ConnID, text []byte) {
	claims, err := s.verifier.Verify(strings.TrimSpace(string(text)))
	if err != nil {
		// Соединение не закрываем: клиент может прислать корректный токен
		s.stats.TokenVerified(false)
		slog.Debug("connect token rejected", "conn", conn, "error", err)
		return
	}
	s.stats.TokenVerified(true)

	pid, sid := claims.Player, claims.Session

	if rec, ok := s.registry.GetSession(sid); ok {
		s.admitLive(conn, rec, pid, sid)
		return
	}

	if token, ok := s.archive.TokenFor(sid, pid); ok {
		s.replayResult(conn, pid, sid, token)
		return
	}
	if s.archive.Contains(sid) {
		slog.Debug("no archived result for player", "conn", conn, "session", sid, "player", pid)
		s.transport.Close(conn, "")
		return
	}

	s.createSession(conn, pid, sid, claims.Data)
}

// admitLive подключает игрока к живой сессии, при необходимости
// вытесняя его предыдущее соединение.
func (s *Server) admitLive(conn ConnID, rec *instance, pid PlayerID, sid SessionID) {
	if !rec.permitted(pid) {
		slog.Debug("player not in session roster",
			"conn", conn, "session", sid, "player", pid, "error", ErrNotPermitted)
		s.transport.Close(conn, "")
		return
	}

	frames, ok := s.bindPlayer(conn, rec, pid, sid)
	if !ok {
		// Сессию успели завершить: результат обязан быть в архиве
		if token, found := s.archive.TokenFor(sid, pid); found {
			s.replayResult(conn, pid, sid, token)
			return
		}
		s.transport.Close(conn, "")
		return
	}

	slog.Debug("player connected", "session", sid, "player", pid, "conn", conn)
	s.flush(frames)
}

// bindPlayer вытесняет прежний handle игрока и привязывает новый.
// Вся последовательность от чтения boundConn до connect выполняется под
// admit-мьютексом записи: два токена одного игрока, разъехавшиеся по
// разным lane, садятся строго по очереди, и проигравший всегда получает
// close-кадр вытеснения. ok=false когда запись уже reaped; привязка
// тогда снята, результат ищется в архиве.
func (s *Server) bindPlayer(conn ConnID, rec *instance, pid PlayerID, sid SessionID) ([]outFrame, bool) {
	rec.admit.Lock()
	defer rec.admit.Unlock()

	if old, bound := rec.boundConn(pid); bound && old != conn {
		// Повторное подключение: сначала отвязываем прежний handle,
		// потом закрываем его
		s.registry.Unbind(old)
		s.transport.Close(old, CloseReasonReconnect)
		slog.Debug("redundant connection evicted",
			"session", sid, "player", pid, "old", old, "new", conn)
	}

	s.registry.Bind(conn, pid, sid)
	frames, ok := rec.connect(pid, conn)
	if !ok {
		s.registry.Unbind(conn)
	}
	return frames, ok
}

// createSession — свежая сессия: construct, проверка ростера, регистрация.
func (s *Server) createSession(conn ConnID, pid PlayerID, sid SessionID, data []byte) {
	sess, err := s.factory(data)
	if err != nil {
		slog.Debug("session payload rejected",
			"conn", conn, "session", sid, "player", pid,
			"error", fmt.Errorf("%w: %w", ErrBadPayload, err))
		s.transport.Close(conn, "")
		return
	}

	rec := newInstance(sid, sess, data, s.now())
	if !rec.permitted(pid) {
		slog.Debug("token player missing from session roster",
			"conn", conn, "session", sid, "player", pid, "error", ErrNotPermitted)
		s.transport.Close(conn, "")
		return
	}

	if err := s.registry.CreateSession(rec); err != nil {
		if errors.Is(err, ErrSessionExists) {
			// Второй игрок той же новой сессии успел раньше
			if existing, ok := s.registry.GetSession(sid); ok {
				s.admitLive(conn, existing, pid, sid)
				return
			}
		}
		slog.Debug("session not created", "conn", conn, "session", sid, "player", pid, "error", err)
		s.transport.Close(conn, "")
		return
	}

	frames, ok := s.bindPlayer(conn, rec, pid, sid)
	if !ok {
		if token, found := s.archive.TokenFor(sid, pid); found {
			s.replayResult(conn, pid, sid, token)
			return
		}
		s.transport.Close(conn, "")
		return
	}

	s.stats.SessionStarted()
	s.stats.SessionsLive(s.registry.LiveCount())
	slog.Info("session created", "session", sid, "players", len(rec.players), "first", pid)
	s.flush(frames)
}

// replayResult отдаёт архивный result-токен и закрывает соединение.
func (s *Server) replayResult(conn ConnID, pid PlayerID, sid SessionID, token string) {
	if err := s.transport.Send(conn, []byte(token)); err != nil {
		slog.Debug("result replay failed", "conn", conn, "session", sid, "error", err)
	}
	s.transport.Close(conn, CloseReasonArchived)
	slog.Debug("archived result replayed", "session", sid, "player", pid, "conn", conn)
}

// handleUpdate — кадр аутентифицированного соединения: ход игрока.
func (s *Server) handleUpdate(conn ConnID, b binding, text []byte) {
	rec, ok := s.registry.GetSession(b.session)
	if !ok {
		// Привязка без живой сессии — протокольная аномалия, не шум
		slog.Error("update for withdrawn session", "conn", conn, "session", b.session, "player", b.player)
		return
	}
	if !json.Valid(text) {
		// Отбрасываем только сообщение, соединение живёт дальше
		slog.Debug("malformed message dropped", "conn", conn, "session", b.session, "player", b.player)
		return
	}
	frames, ok := rec.update(b.player, text)
	if !ok {
		return
	}
	s.flush(frames)
}

func (s *Server) handleClose(conn ConnID) {
	b, ok := s.registry.Unbind(conn)
	if !ok {
		slog.Debug("anonymous connection closed", "conn", conn)
		return
	}

	rec, live := s.registry.GetSession(b.session)
	if !live {
		return
	}

	frames, _ := rec.disconnect(b.player, conn)
	slog.Debug("player disconnected", "session", b.session, "player", b.player, "conn", conn)
	s.flush(frames)

	if s.abandonOnClose {
		s.abandonSession(rec, b.player)
	}
}

// abandonSession снимает заявку целиком после разрыва соединения.
// Токены не выпускаются, архив не пополняется. Запись сначала
// защёлкивается как reaped: admit, успевший достать её из реестра до
// снятия, увидит отказ connect и уберёт свою привязку сам.
func (s *Server) abandonSession(rec *instance, leaver PlayerID) {
	if _, ok := rec.finish(func() {}); !ok {
		return
	}
	s.registry.RemoveSession(rec.id)
	for _, conn := range rec.boundConns() {
		s.registry.Unbind(conn)
		s.transport.Close(conn, "")
	}
	s.stats.SessionsLive(s.registry.LiveCount())
	slog.Info("session abandoned", "session", rec.id, "player", leaver)
}

// --- Tick: параллельный прогон сессий и жатва завершённых ---

func (s *Server) tickSessions(ctx context.Context, delta time.Duration) {
	started := s.now()
	records := s.registry.Snapshot()

	sem := semaphore.NewWeighted(int64(s.cfg.TickWorkers))
	var mu sync.Mutex
	var finished []*instance

	for _, rec := range records {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(rec *instance) {
			defer sem.Release(1)
			frames, done := rec.tick(delta)
			s.flush(frames)
			if done {
				mu.Lock()
				finished = append(finished, rec)
				mu.Unlock()
			}
		}(rec)
	}

	// Барьер: дожидаемся всех воркеров этого цикла
	if err := sem.Acquire(ctx, int64(s.cfg.TickWorkers)); err != nil {
		return
	}
	sem.Release(int64(s.cfg.TickWorkers))

	for _, rec := range finished {
		s.reapSession(rec)
	}
	s.stats.TickCompleted(s.now().Sub(started))
}

// reapSession финализирует завершённую сессию: подписывает результаты
// и завершает её штатным путём.
func (s *Server) reapSession(rec *instance) {
	results, ok := rec.results()
	if !ok {
		return
	}

	tokens := make(map[PlayerID]string, len(results))
	for pid, body := range results {
		data, err := json.Marshal(body)
		if err != nil {
			slog.Error("marshaling result claims", "session", rec.id, "player", pid, "error", err)
			continue
		}
		token, err := s.signer.Sign(Claims{Player: pid, Session: rec.id, Data: data})
		if err != nil {
			slog.Error("signing result token", "session", rec.id, "player", pid, "error", err)
			continue
		}
		tokens[pid] = token
	}

	s.finishInstance(rec, tokens, s.doneReason)
}

// FinishSession завершает живую сессию извне с готовыми токенами:
// архивирует их, рассылает подключённым игрокам и снимает сессию.
// Используется планировщиками, подписывающими собственные токены
// (матчмейкер со своим issuer). Возвращает false для неизвестных сессий.
func (s *Server) FinishSession(sid SessionID, tokens map[PlayerID]string, reason string) bool {
	rec, ok := s.registry.GetSession(sid)
	if !ok {
		return false
	}
	return s.finishInstance(rec, tokens, reason)
}

// finishInstance — общий хвост жатвы: архив под мьютексом записи,
// затем доставка и закрытия, затем снятие с реестра.
func (s *Server) finishInstance(rec *instance, tokens map[PlayerID]string, reason string) bool {
	conns, ok := rec.finish(func() {
		s.archive.Put(rec.id, tokens)
	})
	if !ok {
		return false
	}

	for pid, conn := range conns {
		if token, found := tokens[pid]; found {
			if err := s.transport.Send(conn, []byte(token)); err != nil {
				slog.Debug("result delivery failed", "session", rec.id, "player", pid, "error", err)
			}
		}
		s.registry.Unbind(conn)
		s.transport.Close(conn, reason)
	}

	s.registry.RemoveSession(rec.id)
	s.stats.SessionArchived()
	s.stats.SessionsLive(s.registry.LiveCount())
	slog.Info("session finished", "session", rec.id, "reason", reason, "tokens", len(tokens))
	return true
}

// QueuedSessions возвращает snapshot живых незавершённых сессий
// для внешних планировщиков.
func (s *Server) QueuedSessions() []QueueInfo {
	records := s.registry.Snapshot()
	now := s.now()
	out := make([]QueueInfo, 0, len(records))
	for _, rec := range records {
		if info, ok := rec.view(now); ok {
			out = append(out, info)
		}
	}
	return out
}

// --- Доставка ---

// flush отправляет кадры, накопленные под мьютексом записи.
// Неудачная отправка помечает игрока отключённым и ставит CLOSE.
func (s *Server) flush(frames []outFrame) {
	for _, f := range frames {
		if err := s.transport.Send(f.conn, f.text); err != nil {
			s.onSendFailure(f.conn, err)
		}
	}
}

func (s *Server) onSendFailure(conn ConnID, cause error) {
	slog.Debug("send failed", "conn", conn, "error", cause)
	if b, ok := s.registry.Lookup(conn); ok {
		if rec, live := s.registry.GetSession(b.session); live {
			rec.markOffline(b.player, conn)
		}
	}
	// Неблокирующая постановка: блокирующий Push из воркера мог бы
	// заклинить его собственную lane
	if err := s.queue.TryPush(Action{Kind: ActionClose, Conn: conn}); err != nil {
		slog.Warn("close enqueue failed", "conn", conn, "error", err)
	}
}
