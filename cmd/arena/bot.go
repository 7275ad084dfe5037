package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/sessionforge/arena/internal/arena"
	"github.com/sessionforge/arena/internal/token"
)

var (
	flagMatchURL   string
	flagGameURL    string
	flagBotPlayer  string
	flagAuthIssuer string
	flagMoveDelay  time.Duration
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Queue up and play tic-tac-toe with random moves",
	Long: `Mint a queue token, enter the matchmaking queue, wait for a match,
then play the resulting game on the game server with random legal moves.
Prints the signed result token when the game ends.

Two bots make a full round trip:
  arena bot --player alice &
  arena bot --player bob`,
	Run: runBot,
}

func init() {
	botCmd.Flags().StringVar(&flagMatchURL, "match-url", "ws://127.0.0.1:9091/ws", "Matchmaking server websocket URL")
	botCmd.Flags().StringVar(&flagGameURL, "game-url", "ws://127.0.0.1:9090/ws", "Game server websocket URL")
	botCmd.Flags().StringVar(&flagBotPlayer, "player", "", "Player id to queue as")
	botCmd.Flags().StringVar(&flagAuthIssuer, "auth-issuer", "arena-auth", "Issuer of the minted queue token")
	botCmd.Flags().DurationVar(&flagMoveDelay, "move-delay", 300*time.Millisecond, "Pause before each move")
	_ = botCmd.MarkFlagRequired("player")
}

func runBot(_ *cobra.Command, _ []string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := playBot(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func playBot(ctx context.Context) error {
	signer, err := token.New(token.Config{
		Algorithm: flagAlgorithm,
		Secret:    []byte(flagSecret),
		Issuer:    flagAuthIssuer,
	})
	if err != nil {
		return err
	}

	queueToken, err := signer.Sign(arena.Claims{
		Player:  arena.PlayerID(flagBotPlayer),
		Session: arena.SessionID("queue-" + flagBotPlayer),
		Data:    []byte(fmt.Sprintf(`{"players":[%q]}`, flagBotPlayer)),
	})
	if err != nil {
		return fmt.Errorf("minting queue token: %w", err)
	}

	fmt.Printf("queueing as %s\n", flagBotPlayer)
	sessionToken, reason, err := dialAndRun(ctx, flagMatchURL, queueToken, nil)
	if err != nil {
		return fmt.Errorf("matchmaking: %w", err)
	}
	if reason != arena.CloseReasonMatched || sessionToken == "" {
		return fmt.Errorf("queue closed without a match: %q", reason)
	}
	fmt.Println("matched, joining game")

	result, reason, err := dialAndRun(ctx, flagGameURL, sessionToken, playMove)
	if err != nil {
		return fmt.Errorf("playing: %w", err)
	}
	if result == "" {
		return fmt.Errorf("game closed without a result: %q", reason)
	}

	fmt.Printf("game over (%s), result token:\n%s\n", reason, result)
	return nil
}

// dialAndRun подключается с ретраями, шлёт bearer первым кадром и
// читает до закрытия соединения сервером. JSON кадры уходят в handle,
// последний не-JSON кадр (подписанный токен) возвращается вместе с
// причиной закрытия.
func dialAndRun(ctx context.Context, url, bearer string, handle func(*websocket.Conn, []byte) error) (string, string, error) {
	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		c, _, dialErr := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return c, dialErr
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(8))
	if err != nil {
		return "", "", fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.Close()

	// Отмена контекста рвёт блокирующий ReadMessage
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(bearer)); err != nil {
		return "", "", fmt.Errorf("sending token: %w", err)
	}

	var lastToken string
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return lastToken, closeErr.Text, nil
			}
			if ctx.Err() != nil {
				return lastToken, "", ctx.Err()
			}
			return lastToken, "", err
		}

		if json.Valid(frame) {
			if handle != nil {
				if err := handle(conn, frame); err != nil {
					return lastToken, "", err
				}
			}
			continue
		}
		lastToken = string(frame)
	}
}

// playMove разбирает кадр "game" и отвечает случайным допустимым ходом,
// когда очередь за ботом.
func playMove(conn *websocket.Conn, frame []byte) error {
	var state struct {
		Type     string `json:"type"`
		Board    []int  `json:"board"`
		Done     bool   `json:"done"`
		YourTurn bool   `json:"your_turn"`
	}
	if err := json.Unmarshal(frame, &state); err != nil || state.Type != "game" {
		return nil
	}

	fmt.Println(string(frame))
	if state.Done || !state.YourTurn || len(state.Board) != 9 {
		return nil
	}

	var free [][2]int
	for idx, cell := range state.Board {
		if cell == 0 {
			free = append(free, [2]int{idx % 3, idx / 3})
		}
	}
	if len(free) == 0 {
		return nil
	}
	move := free[rand.IntN(len(free))]

	// Пауза, чтобы за партией можно было следить глазами
	time.Sleep(flagMoveDelay)
	msg, err := json.Marshal(map[string][2]int{"move": move})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}
