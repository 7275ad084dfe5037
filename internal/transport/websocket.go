// Package transport принимает WebSocket-подключения и превращает их
// в поток событий open/message/close для движка сессий.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/sessionforge/arena/internal/arena"
)

const (
	defaultWSPath    = "/ws"
	defaultReadLimit = 64 * 1024

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Config задаёт сетевые параметры транспорта.
type Config struct {
	BindAddress string
	Port        int
	// WSPath — путь WebSocket-эндпоинта (default /ws).
	WSPath string
	// ReadLimit — максимальный размер входящего кадра в байтах.
	ReadLimit int64
	// SendQueueSize — ёмкость очереди записи одного соединения.
	SendQueueSize int
	TLS           TLSConfig
}

// TLSConfig описывает режим TLS: выключен, статическая пара файлов
// или autocert (Let's Encrypt).
type TLSConfig struct {
	Enabled       bool
	CertFile      string
	KeyFile       string
	AutocertHosts []string
	CacheDir      string
}

// Option is a functional option for Server configuration.
type Option func(*Server)

// WithStats sets the counters sink (default: NopStats).
func WithStats(st arena.Stats) Option {
	return func(s *Server) {
		if st != nil {
			s.stats = st
		}
	}
}

// WithMetricsHandler mounts the handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithCheckOrigin overrides the upgrader's origin policy.
// По умолчанию origin не проверяется: токен и есть допуск.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// Server is the WebSocket transport: HTTP-слушатель, upgrade, карта
// живых соединений и пара pump-горутин на каждое из них.
//
// События одного соединения доставляются получателю строго в порядке
// open, messages, close: все три исходят из его read-горутины.
type Server struct {
	cfg            Config
	receiver       arena.Receiver
	stats          arena.Stats
	upgrader       websocket.Upgrader
	metricsHandler http.Handler

	mu       sync.RWMutex
	conns    map[arena.ConnID]*Conn
	listener net.Listener
	httpSrv  *http.Server
}

// New creates a transport server. Receiver подключается позже через
// SetReceiver: движок и транспорт ссылаются друг на друга.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.WSPath == "" {
		cfg.WSPath = defaultWSPath
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	// Включённый TLS требует статическую пару файлов либо autocert-хосты
	if cfg.TLS.Enabled && len(cfg.TLS.AutocertHosts) == 0 && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return nil, errors.New("transport: tls enabled without certificate source (cert/key files or autocert hosts)")
	}

	s := &Server{
		cfg:   cfg,
		stats: arena.NopStats{},
		conns: make(map[arena.ConnID]*Conn, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SetReceiver задаёт получателя событий. Вызывается до Run.
func (s *Server) SetReceiver(r arena.Receiver) {
	s.receiver = r
}

// Addr возвращает адрес, на котором слушает сервер.
// Возвращает nil если сервер ещё не запущен.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Run begins listening for client connections.
// Создаёт listener на cfg.BindAddress:cfg.Port и обслуживает его
// до отмены контекста.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve принимает готовый listener и обслуживает его до отмены контекста.
// Используется тестами с listener на свободном порту.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.receiver == nil {
		return errors.New("transport: receiver is not set")
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		// Shutdown не трогает перехваченные (hijacked) соединения —
		// websocket-клиентов закрываем сами
		s.closeAll("server shutting down")
	}()

	slog.Info("transport started", "address", ln.Addr(), "path", s.cfg.WSPath, "tls", s.cfg.TLS.Enabled)

	err := s.serveTLS(srv, ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// serveTLS выбирает режим обслуживания по TLS-конфигурации.
func (s *Server) serveTLS(srv *http.Server, ln net.Listener) error {
	t := s.cfg.TLS
	switch {
	case t.Enabled && len(t.AutocertHosts) > 0:
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(t.AutocertHosts...),
		}
		if t.CacheDir != "" {
			m.Cache = autocert.DirCache(t.CacheDir)
		}
		srv.TLSConfig = m.TLSConfig()
		return srv.ServeTLS(ln, "", "")
	case t.Enabled:
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return srv.ServeTLS(ln, t.CertFile, t.KeyFile)
	default:
		return srv.Serve(ln)
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get(s.cfg.WSPath, s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	return r
}

// handleWS апгрейдит HTTP-запрос и гоняет readPump до разрыва.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(arena.ConnID(uuid.NewString()), r.RemoteAddr, ws, s.cfg.SendQueueSize)
	s.register(c)
	s.stats.ConnectionsOpen(1)
	slog.Debug("connection accepted", "conn", c.id, "remote", c.remote)

	go c.writePump()
	s.readPump(c)
}

// readPump читает кадры и доставляет события получателю.
// Работает в горутине HTTP-хендлера; завершение — это CLOSE.
func (s *Server) readPump(c *Conn) {
	defer func() {
		s.unregister(c.id)
		c.shutdown("")
		s.stats.ConnectionsOpen(-1)
		s.receiver.HandleClose(c.id)
		slog.Debug("connection closed", "conn", c.id, "remote", c.remote)
	}()

	c.ws.SetReadLimit(s.cfg.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	s.receiver.HandleOpen(c.id)

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read failed", "conn", c.id, "remote", c.remote, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			slog.Debug("non-text frame dropped", "conn", c.id, "kind", kind)
			continue
		}
		s.receiver.HandleMessage(c.id, data)
	}
}

// --- arena.Transport ---

// Send доставляет кадр соединению.
func (s *Server) Send(id arena.ConnID, text []byte) error {
	c, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: unknown connection %s", arena.ErrSendFailed, id)
	}
	return c.send(text)
}

// Close закрывает соединение с указанием причины в close-кадре.
func (s *Server) Close(id arena.ConnID, reason string) {
	if c, ok := s.lookup(id); ok {
		c.shutdown(reason)
	}
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) unregister(id arena.ConnID) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) lookup(id arena.ConnID) (*Conn, bool) {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	return c, ok
}

func (s *Server) closeAll(reason string) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.shutdown(reason)
	}
}
