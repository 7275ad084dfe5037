package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionforge/arena/internal/arena"
)

// Pump timings. Ping держит соединение живым сквозь прокси,
// pong-дедлайн отсекает зависших клиентов.
const (
	defaultSendQueueSize = 256
	writeTimeout         = 10 * time.Second
	pongTimeout          = 60 * time.Second
	pingInterval         = (pongTimeout * 9) / 10
)

// Conn is a single WebSocket connection with a dedicated writer goroutine.
//
// Вся запись идёт через writePump: data-кадры из sendCh, ping по тикеру,
// close-кадр при остановке. Send неблокирующий: переполненная очередь
// означает медленного клиента, и соединение закрывается.
type Conn struct {
	id     arena.ConnID
	remote string
	ws     *websocket.Conn

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	reason    string // читается writePump после закрытия closeCh
}

func newConn(id arena.ConnID, remote string, ws *websocket.Conn, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Conn{
		id:      id,
		remote:  remote,
		ws:      ws,
		sendCh:  make(chan []byte, queueSize),
		closeCh: make(chan struct{}),
	}
}

// ID returns the connection handle.
func (c *Conn) ID() arena.ConnID {
	return c.id
}

// send ставит кадр в очередь записи.
// Медленный клиент (полная очередь) отключается, как и уже закрытый.
func (c *Conn) send(text []byte) error {
	select {
	case <-c.closeCh:
		return fmt.Errorf("%w: connection closed", arena.ErrSendFailed)
	default:
	}

	select {
	case c.sendCh <- text:
		return nil
	default:
		slog.Warn("send queue full, dropping slow client", "conn", c.id, "remote", c.remote)
		c.shutdown("slow consumer")
		return fmt.Errorf("%w: send queue full", arena.ErrSendFailed)
	}
}

// shutdown останавливает writePump, который отправит close-кадр
// с указанной причиной. Безопасно вызывать сколько угодно раз;
// причина фиксируется первым вызовом.
func (c *Conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closeCh)
	})
}

// writePump is the dedicated writer goroutine for this connection.
// Завершаясь, закрывает сокет, что останавливает и readPump.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case text := <-c.sendCh:
			if err := c.writeText(text); err != nil {
				slog.Debug("write failed", "conn", c.id, "remote", c.remote, "error", err)
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("ping failed", "conn", c.id, "remote", c.remote, "error", err)
				return
			}

		case <-c.closeCh:
			// Сначала добиваем хвост очереди: кадры, поставленные до
			// Close (результатный токен), обязаны дойти раньше прощального
		drain:
			for {
				select {
				case text := <-c.sendCh:
					if err := c.writeText(text); err != nil {
						slog.Debug("write failed", "conn", c.id, "remote", c.remote, "error", err)
						return
					}
				default:
					break drain
				}
			}

			// Прощальный кадр: нормальное закрытие с причиной
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason)
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
				slog.Debug("close frame failed", "conn", c.id, "error", err)
			}
			return
		}
	}
}

func (c *Conn) writeText(text []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, text)
}
