package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/arena/internal/arena"
)

// recorder накапливает upcall-события транспорта в порядке доставки.
type recorder struct {
	mu     sync.Mutex
	events []string
	opens  chan arena.ConnID
	closes chan arena.ConnID
}

func newRecorder() *recorder {
	return &recorder{
		opens:  make(chan arena.ConnID, 16),
		closes: make(chan arena.ConnID, 16),
	}
}

func (r *recorder) HandleOpen(id arena.ConnID) {
	r.mu.Lock()
	r.events = append(r.events, "open:"+string(id))
	r.mu.Unlock()
	r.opens <- id
}

func (r *recorder) HandleClose(id arena.ConnID) {
	r.mu.Lock()
	r.events = append(r.events, "close:"+string(id))
	r.mu.Unlock()
	r.closes <- id
}

func (r *recorder) HandleMessage(id arena.ConnID, text []byte) {
	r.mu.Lock()
	r.events = append(r.events, "message:"+string(id)+":"+string(text))
	r.mu.Unlock()
}

func (r *recorder) waitOpen(t *testing.T) arena.ConnID {
	t.Helper()
	select {
	case id := <-r.opens:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no open event")
		return ""
	}
}

func (r *recorder) waitClose(t *testing.T) arena.ConnID {
	t.Helper()
	select {
	case id := <-r.closes:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no close event")
		return ""
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// startTransport поднимает сервер на свободном порту и возвращает адрес.
func startTransport(t *testing.T, cfg Config, opts ...Option) (*Server, *recorder, string) {
	t.Helper()

	rec := newRecorder()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	s.SetReceiver(rec)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("transport did not stop")
		}
	})

	return s, rec, ln.Addr().String()
}

func dialWS(t *testing.T, addr, path string) *websocket.Conn {
	t.Helper()
	client, _, err := websocket.DefaultDialer.Dial("ws://"+addr+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestServer_UpcallOrder(t *testing.T) {
	_, rec, addr := startTransport(t, Config{})
	client := dialWS(t, addr, "/ws")

	id := rec.waitOpen(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("one")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("two")))
	client.Close()

	rec.waitClose(t)

	// Строгий порядок open, messages, close для одного соединения
	assert.Equal(t, []string{
		"open:" + string(id),
		"message:" + string(id) + ":one",
		"message:" + string(id) + ":two",
		"close:" + string(id),
	}, rec.list())
}

func TestServer_SendAndCloseReason(t *testing.T) {
	s, rec, addr := startTransport(t, Config{})
	client := dialWS(t, addr, "/ws")

	id := rec.waitOpen(t)

	require.NoError(t, s.Send(id, []byte("payload")))
	kind, frame, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, []byte("payload"), frame)

	// Причина закрытия доезжает до клиента в close-кадре
	s.Close(id, "matched")
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "matched", closeErr.Text)

	rec.waitClose(t)
}

func TestServer_CloseDeliversQueuedFrames(t *testing.T) {
	s, rec, addr := startTransport(t, Config{})

	// Send, Send, Close подряд, как движок рассылает результат: state,
	// токен, закрытие. Клиент начинает читать только после Close — оба
	// кадра обязаны дойти раньше прощального. Гоняем несколько раундов:
	// потеря хвоста очереди проявляется не в каждом.
	for round := 0; round < 20; round++ {
		client := dialWS(t, addr, "/ws")
		id := rec.waitOpen(t)

		require.NoError(t, s.Send(id, []byte("state")))
		require.NoError(t, s.Send(id, []byte("result-token")))
		s.Close(id, "game ended")

		var got []string
		for {
			client.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, frame, err := client.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				require.ErrorAs(t, err, &closeErr, "round %d: frames %v", round, got)
				assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
				assert.Equal(t, "game ended", closeErr.Text)
				break
			}
			got = append(got, string(frame))
		}
		require.Equal(t, []string{"state", "result-token"}, got, "round %d", round)

		client.Close()
		rec.waitClose(t)
	}
}

func TestServer_Send_UnknownConn(t *testing.T) {
	s, _, _ := startTransport(t, Config{})

	err := s.Send("ghost", []byte("x"))
	require.ErrorIs(t, err, arena.ErrSendFailed)

	// Close незнакомого соединения — no-op
	s.Close("ghost", "whatever")
}

func TestServer_ConnCount(t *testing.T) {
	s, rec, addr := startTransport(t, Config{})
	assert.Equal(t, 0, s.ConnCount())

	client := dialWS(t, addr, "/ws")
	rec.waitOpen(t)
	assert.Equal(t, 1, s.ConnCount())

	client.Close()
	rec.waitClose(t)
	require.Eventually(t, func() bool {
		return s.ConnCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServer_NonTextFramesDropped(t *testing.T) {
	_, rec, addr := startTransport(t, Config{})
	client := dialWS(t, addr, "/ws")
	id := rec.waitOpen(t)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("text")))

	require.Eventually(t, func() bool {
		events := rec.list()
		return len(events) > 0 && events[len(events)-1] == "message:"+string(id)+":text"
	}, time.Second, 10*time.Millisecond)

	// Бинарный кадр не дошёл до получателя
	var messages int
	for _, ev := range rec.list() {
		if strings.HasPrefix(ev, "message:") {
			messages++
		}
	}
	assert.Equal(t, 1, messages)
}

func TestServer_CustomWSPath(t *testing.T) {
	_, rec, addr := startTransport(t, Config{WSPath: "/game"})

	// Дефолтный путь больше не обслуживается
	_, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.Error(t, err)

	dialWS(t, addr, "/game")
	rec.waitOpen(t)
}

func TestServer_Healthz(t *testing.T) {
	_, _, addr := startTransport(t, Config{})

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestServer_MetricsMount(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "metrics-ok")
	})
	_, _, addr := startTransport(t, Config{}, WithMetricsHandler(handler))

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "metrics-ok", string(body))
}

func TestServer_MetricsAbsentByDefault(t *testing.T) {
	_, _, addr := startTransport(t, Config{})

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Serve_RequiresReceiver(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	require.Error(t, s.Serve(context.Background(), ln))
}

func TestNew_TLSRequiresCertSource(t *testing.T) {
	_, err := New(Config{TLS: TLSConfig{Enabled: true}})
	require.Error(t, err)

	// Частичная пара файлов недостаточна
	_, err = New(Config{TLS: TLSConfig{Enabled: true, CertFile: "cert.pem"}})
	require.Error(t, err)

	// Статическая пара либо autocert-хосты делают конфиг валидным
	s, err := New(Config{TLS: TLSConfig{Enabled: true, CertFile: "cert.pem", KeyFile: "key.pem"}})
	require.NoError(t, err)
	require.NotNil(t, s)

	s, err = New(Config{TLS: TLSConfig{Enabled: true, AutocertHosts: []string{"arena.example.org"}}})
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestServer_Shutdown_ClosesClients(t *testing.T) {
	rec := newRecorder()
	s, err := New(Config{})
	require.NoError(t, err)
	s.SetReceiver(rec)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := dialWS(t, ln.Addr().String(), "/ws")
	rec.waitOpen(t)

	cancel()

	// Перехваченные соединения закрывает сам транспорт, с причиной
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, "server shutting down", closeErr.Text)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// connStats считает только гейдж открытых соединений.
type connStats struct {
	arena.NopStats
	mu   sync.Mutex
	open int
}

func (c *connStats) ConnectionsOpen(delta int) {
	c.mu.Lock()
	c.open += delta
	c.mu.Unlock()
}

func (c *connStats) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func TestServer_Stats_ConnectionGauge(t *testing.T) {
	st := &connStats{}
	_, rec, addr := startTransport(t, Config{}, WithStats(st))

	client := dialWS(t, addr, "/ws")
	rec.waitOpen(t)
	assert.Equal(t, 1, st.value())

	client.Close()
	rec.waitClose(t)
	require.Eventually(t, func() bool {
		return st.value() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConn_Send_SlowConsumer(t *testing.T) {
	// writePump не запущен: очередь никто не вычерпывает
	c := newConn("c1", "test", nil, 1)

	require.NoError(t, c.send([]byte("one")))

	// Очередь полна: медленный клиент отключается
	err := c.send([]byte("two"))
	require.ErrorIs(t, err, arena.ErrSendFailed)

	// Дальше соединение уже закрыто
	err = c.send([]byte("three"))
	require.ErrorIs(t, err, arena.ErrSendFailed)
}
