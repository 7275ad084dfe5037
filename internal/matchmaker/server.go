package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sessionforge/arena/internal/arena"
)

// defaultMatchPeriod — шаг цикла матчинга.
const defaultMatchPeriod = time.Second

// Config задаёт параметры сервера очереди.
type Config struct {
	// Engine — параметры движка, ведущего заявки.
	Engine arena.Config
	// MatchPeriod — период вызова политики матчинга (default 1s).
	MatchPeriod time.Duration
}

// Option is a functional option for Server configuration.
type Option func(*Server)

// WithStats sets the counters sink for both the engine and the match loop.
func WithStats(st arena.Stats) Option {
	return func(s *Server) {
		if st != nil {
			s.stats = st
		}
	}
}

// WithEngineOptions forwards extra options to the underlying engine.
func WithEngineOptions(opts ...arena.Option) Option {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// Server is the matchmaking server. Заявки проходят тот же путь, что
// игровые сессии: connect-токен, объект-сессия, реестр. Отличия в
// режиме движка: разрыв соединения снимает заявку, штатное завершение
// означает отмену и уносит в архив cancel-токен. Поверх движка крутится
// цикл матчинга, завершающий заявки session-токенами новой игры.
type Server struct {
	core    *arena.Server
	matcher Matcher
	signer  arena.Codec
	ticker  *arena.Ticker
	stats   arena.Stats

	matchPeriod time.Duration
	engineOpts  []arena.Option
}

// New creates a matchmaking server. Signer подписывает и cancel-токены
// заявок, и session-токены сформированных матчей.
func New(cfg Config, tr arena.Transport, verifier, signer arena.Codec, entryFactory arena.Factory, matcher Matcher, opts ...Option) (*Server, error) {
	if matcher == nil {
		return nil, errors.New("matchmaker: matcher is required")
	}
	if entryFactory == nil {
		return nil, errors.New("matchmaker: entry factory is required")
	}
	if cfg.MatchPeriod <= 0 {
		cfg.MatchPeriod = defaultMatchPeriod
	}

	s := &Server{
		matcher:     matcher,
		signer:      signer,
		stats:       arena.NopStats{},
		matchPeriod: cfg.MatchPeriod,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	// Снятая игроком заявка завершается штатной жатвой движка,
	// Result подменён на cancel-данные матчера
	factory := func(data []byte) (arena.Session, error) {
		sess, err := entryFactory(data)
		if err != nil {
			return nil, err
		}
		return &entrySession{Session: sess, matcher: matcher}, nil
	}

	engineOpts := append([]arena.Option{
		arena.WithDoneCloseReason(arena.CloseReasonCancelled),
		arena.WithAbandonOnDisconnect(),
		arena.WithStats(s.stats),
	}, s.engineOpts...)

	core, err := arena.New(cfg.Engine, tr, verifier, signer, factory, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating queue engine: %w", err)
	}
	s.core = core
	s.ticker = arena.NewTicker(cfg.MatchPeriod)
	return s, nil
}

// Run запускает движок заявок и цикл матчинга.
// Блокируется до отмены контекста; отмена — штатная остановка.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.core.Run(gctx); err != nil {
			return fmt.Errorf("queue engine: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := s.ticker.Run(gctx, s.matchPass)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("match loop: %w", err)
		}
		return nil
	})

	slog.Info("matchmaker started", "match_period", s.matchPeriod)
	return g.Wait()
}

// QueuedEntries returns a snapshot of the live queue.
func (s *Server) QueuedEntries() []arena.QueueInfo {
	return s.core.QueuedSessions()
}

// Connections returns the number of authenticated connections.
func (s *Server) Connections() int {
	return s.core.Connections()
}

// --- Receiver: upcalls транспорта уходят движку заявок ---

func (s *Server) HandleOpen(id arena.ConnID) { s.core.HandleOpen(id) }

func (s *Server) HandleClose(id arena.ConnID) { s.core.HandleClose(id) }

func (s *Server) HandleMessage(id arena.ConnID, text []byte) { s.core.HandleMessage(id, text) }

// --- Цикл матчинга ---

func (s *Server) matchPass(delta time.Duration) {
	queue := s.core.QueuedSessions()
	if len(queue) == 0 {
		return
	}
	groups := s.matcher.Match(queue, delta)
	if len(groups) == 0 {
		return
	}

	known := make(map[arena.SessionID][]arena.PlayerID, len(queue))
	for _, q := range queue {
		known[q.Session] = q.Players
	}
	for _, group := range groups {
		s.formMatch(group, known)
	}
}

// formMatch завершает заявки группы session-токенами новой сессии.
func (s *Server) formMatch(group Group, known map[arena.SessionID][]arena.PlayerID) {
	if len(group.Participants) == 0 || group.NewSession == "" {
		slog.Warn("malformed match group skipped", "session", group.NewSession)
		return
	}
	for _, sid := range group.Participants {
		if _, ok := known[sid]; !ok {
			slog.Debug("match group references withdrawn entry",
				"entry", sid, "session", group.NewSession)
			return
		}
	}

	data, err := json.Marshal(group.Data)
	if err != nil {
		slog.Error("marshaling match payload", "session", group.NewSession, "error", err)
		return
	}

	// Все токены подписываются до первого FinishSession:
	// частично разосланный матч хуже несостоявшегося
	tokens := make(map[arena.SessionID]map[arena.PlayerID]string, len(group.Participants))
	for _, sid := range group.Participants {
		perEntry := make(map[arena.PlayerID]string, len(known[sid]))
		for _, pid := range known[sid] {
			token, err := s.signer.Sign(arena.Claims{Player: pid, Session: group.NewSession, Data: data})
			if err != nil {
				slog.Error("signing session token",
					"entry", sid, "player", pid, "session", group.NewSession, "error", err)
				return
			}
			perEntry[pid] = token
		}
		tokens[sid] = perEntry
	}

	matched := 0
	for _, sid := range group.Participants {
		if s.core.FinishSession(sid, tokens[sid], arena.CloseReasonMatched) {
			matched++
		} else {
			slog.Warn("entry withdrawn mid-match", "entry", sid, "session", group.NewSession)
		}
	}
	if matched == 0 {
		return
	}
	s.stats.MatchFormed(len(group.Participants))
	slog.Info("match formed", "session", group.NewSession, "entries", matched)
}
