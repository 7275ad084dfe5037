package tictactoe

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sessionforge/arena/internal/arena"
)

const (
	// initialClockMS — стартовый запас шахматных часов каждого игрока.
	initialClockMS = 100000
	// timeFramePeriodMS — период рассылки кадра "time".
	timeFramePeriodMS = 1000
)

// gameFrame is the per-player view sent after every state change.
type gameFrame struct {
	Type         string `json:"type"`
	Board        []int  `json:"board"`
	Time         int64  `json:"time"`
	OpponentTime int64  `json:"opponent_time"`
	XMove        bool   `json:"xmove"`
	State        int    `json:"state"`
	Done         bool   `json:"done"`
	YourTurn     bool   `json:"your_turn"`
}

// timeFrame is the clock refresh sent once a second.
type timeFrame struct {
	Type         string `json:"type"`
	Time         int64  `json:"time"`
	OpponentTime int64  `json:"opponent_time"`
}

// finalState is the result token body, одинаковое для обоих игроков.
// State: 1 — выиграли крестики, -1 — нолики, 0 — ничья.
type finalState struct {
	Board []int    `json:"board"`
	XMove bool     `json:"xmove"`
	Moves [][2]int `json:"moves"`
	Times []int64  `json:"times"`
	State int      `json:"state"`
	Done  bool     `json:"done"`
}

// Game is one match with chess clocks. Первый игрок ростера ходит
// крестиками. Движок сериализует все вызовы, внутренних блокировок нет.
//
// Партия начинается, когда оба игрока появились онлайн хотя бы раз;
// с этого момента часы ходящего убывают на каждом тике. Исчерпание
// часов отдаёт победу противнику.
type Game struct {
	players []arena.PlayerID
	joined  map[arena.PlayerID]bool
	online  map[arena.PlayerID]bool

	board    Board
	xmove    bool
	timeWin  int // победитель по часам, добавляется к состоянию поля
	started  bool
	gameOver bool

	xtime   int64
	otime   int64
	elapsed int64

	moves [][2]int
	out   []arena.Message
}

// NewGame builds a match from a session token payload of the form
// {"matched": true, "players": [x, o]}.
func NewGame(data []byte) (*Game, error) {
	var payload struct {
		Matched bool              `json:"matched"`
		Players []json.RawMessage `json:"players"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parsing match payload: %w", err)
	}
	if !payload.Matched {
		return nil, errors.New("payload is not a formed match")
	}
	if len(payload.Players) != 2 {
		return nil, fmt.Errorf("expected 2 players, got %d", len(payload.Players))
	}

	g := &Game{
		joined: make(map[arena.PlayerID]bool, 2),
		online: make(map[arena.PlayerID]bool, 2),
		xmove:  true,
		xtime:  initialClockMS,
		otime:  initialClockMS,
		moves:  make([][2]int, 0, 9),
	}
	for _, raw := range payload.Players {
		pid, err := parsePlayerID(raw)
		if err != nil {
			return nil, err
		}
		g.players = append(g.players, pid)
	}
	if g.players[0] == g.players[1] {
		return nil, errors.New("players must be distinct")
	}
	return g, nil
}

// Factory adapts NewGame to the engine contract.
func Factory(data []byte) (arena.Session, error) {
	return NewGame(data)
}

// parsePlayerID принимает id строкой или числом; числа нормализуются
// в decimal форму, как это делает кодек токенов.
func parsePlayerID(raw json.RawMessage) (arena.PlayerID, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return arena.PlayerID(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return arena.PlayerID(n.String()), nil
	}
	return "", fmt.Errorf("player id must be a string or a number: %s", raw)
}

func (g *Game) Players() []arena.PlayerID {
	out := make([]arena.PlayerID, len(g.players))
	copy(out, g.players)
	return out
}

func (g *Game) Connect(id arena.PlayerID) {
	g.joined[id] = true
	g.online[id] = true
	if g.started {
		// Реконнект: игрок получает актуальную позицию сразу
		g.push(id, g.gameState(id))
	}
}

func (g *Game) Disconnect(id arena.PlayerID) {
	g.online[id] = false
}

// Update понимает единственную команду {"move": [i, j]}.
func (g *Game) Update(id arena.PlayerID, msg []byte) {
	var m struct {
		Move []int `json:"move"`
	}
	if err := json.Unmarshal(msg, &m); err != nil || len(m.Move) != 2 {
		slog.Debug("invalid move frame", "player", id, "frame", string(msg))
		return
	}
	if !g.started || g.Done() {
		return
	}

	i, j := m.Move[0], m.Move[1]
	switch id {
	case g.players[0]:
		if !g.xmove {
			slog.Debug("move out of turn", "player", id)
			return
		}
		if !g.board.Place(i, j, MarkX) {
			slog.Debug("invalid move", "player", id, "i", i, "j", j)
			return
		}
		g.xmove = false
	case g.players[1]:
		if g.xmove {
			slog.Debug("move out of turn", "player", id)
			return
		}
		if !g.board.Place(i, j, MarkO) {
			slog.Debug("invalid move", "player", id, "i", i, "j", j)
			return
		}
		g.xmove = true
	default:
		return
	}

	g.moves = append(g.moves, [2]int{i, j})
	g.broadcastGameState()
}

func (g *Game) Tick(delta time.Duration) {
	if !g.started {
		if g.joined[g.players[0]] && g.joined[g.players[1]] {
			g.started = true
			g.broadcastGameState()
		}
		return
	}
	if g.gameOver || g.board.Done() {
		return
	}

	ms := delta.Milliseconds()
	if g.xmove {
		g.xtime -= ms
	} else {
		g.otime -= ms
	}
	if g.xtime <= 0 {
		g.xtime = 0
		g.timeWin = MarkO
		g.gameOver = true
	} else if g.otime <= 0 {
		g.otime = 0
		g.timeWin = MarkX
		g.gameOver = true
	}

	g.elapsed += ms
	if g.elapsed >= timeFramePeriodMS {
		for _, pid := range g.players {
			if g.online[pid] {
				g.push(pid, g.timeState(pid))
			}
		}
		g.elapsed = 0
	}

	if g.Done() {
		g.broadcastGameState()
	}
}

func (g *Game) Done() bool {
	return g.board.Done() || g.gameOver
}

func (g *Game) HasMessage() bool { return len(g.out) > 0 }

func (g *Game) PeekMessage() arena.Message { return g.out[0] }

func (g *Game) PopMessage() { g.out = g.out[1:] }

// Result returns the final position; подписанное тело одинаково
// для обоих игроков.
func (g *Game) Result(arena.PlayerID) any {
	return finalState{
		Board: g.board.Cells(),
		XMove: g.xmove,
		Moves: g.moves,
		Times: []int64{g.xtime, g.otime},
		State: g.board.State() + g.timeWin,
		Done:  g.Done(),
	}
}

// broadcastGameState шлёт каждому подключённому игроку его вид партии.
// Кадры адресные: время своих и чужих часов у игроков разное.
func (g *Game) broadcastGameState() {
	for _, pid := range g.players {
		if g.online[pid] {
			g.push(pid, g.gameState(pid))
		}
	}
}

func (g *Game) gameState(id arena.PlayerID) []byte {
	own, opp := g.clocks(id)
	yourTurn := g.xmove
	if id != g.players[0] {
		yourTurn = !g.xmove
	}
	return mustJSON(gameFrame{
		Type:         "game",
		Board:        g.board.Cells(),
		Time:         own,
		OpponentTime: opp,
		XMove:        g.xmove,
		State:        g.board.State() + g.timeWin,
		Done:         g.Done(),
		YourTurn:     yourTurn,
	})
}

func (g *Game) timeState(id arena.PlayerID) []byte {
	own, opp := g.clocks(id)
	return mustJSON(timeFrame{
		Type:         "time",
		Time:         own,
		OpponentTime: opp,
	})
}

func (g *Game) clocks(id arena.PlayerID) (own, opp int64) {
	if id == g.players[0] {
		return g.xtime, g.otime
	}
	return g.otime, g.xtime
}

func (g *Game) push(to arena.PlayerID, text []byte) {
	g.out = append(g.out, arena.Message{To: to, Text: text})
}

// mustJSON: маршалинг кадров из примитивов не может упасть.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
