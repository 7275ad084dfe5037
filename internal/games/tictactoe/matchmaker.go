package tictactoe

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sessionforge/arena/internal/arena"
	"github.com/sessionforge/arena/internal/matchmaker"
)

// matchData is the session token payload, его же разбирает NewGame.
type matchData struct {
	Matched bool             `json:"matched"`
	Players []arena.PlayerID `json:"players,omitempty"`
}

// Matchmaker pairs queued players. Самые старые заявки уходят первыми;
// id новой сессии — uuid, чтобы рестарт матчмейкера не выдавал id,
// уже осевшие в архиве игрового сервера.
type Matchmaker struct{}

func NewMatchmaker() *Matchmaker { return &Matchmaker{} }

func (m *Matchmaker) Match(queue []arena.QueueInfo, _ time.Duration) []matchmaker.Group {
	if len(queue) < 2 {
		return nil
	}
	sorted := make([]arena.QueueInfo, len(queue))
	copy(sorted, queue)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Age > sorted[j].Age })

	var groups []matchmaker.Group
	for len(sorted) >= 2 {
		a, b := sorted[0], sorted[1]
		sorted = sorted[2:]

		players := make([]arena.PlayerID, 0, len(a.Players)+len(b.Players))
		players = append(players, a.Players...)
		players = append(players, b.Players...)

		groups = append(groups, matchmaker.Group{
			Participants: []arena.SessionID{a.Session, b.Session},
			NewSession:   arena.SessionID(uuid.NewString()),
			Data:         matchData{Matched: true, Players: players},
		})
	}
	return groups
}

// CancelData marks a withdrawn entry: {"matched": false}.
func (m *Matchmaker) CancelData() any {
	return matchData{Matched: false}
}

// Entry is one queued player: заявка без игровой логики.
// Команда {"cancel": true} снимает её; штатная жатва движка очереди
// выдаст при этом cancel-токен.
type Entry struct {
	players   []arena.PlayerID
	cancelled bool
}

// NewEntry parses the queue token payload: {"players": [id]}.
func NewEntry(data []byte) (*Entry, error) {
	var payload struct {
		Players []json.RawMessage `json:"players"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parsing queue payload: %w", err)
	}
	if len(payload.Players) == 0 {
		return nil, errors.New("queue payload names no players")
	}

	e := &Entry{}
	for _, raw := range payload.Players {
		pid, err := parsePlayerID(raw)
		if err != nil {
			return nil, err
		}
		e.players = append(e.players, pid)
	}
	return e, nil
}

// EntryFactory adapts NewEntry to the engine contract.
func EntryFactory(data []byte) (arena.Session, error) {
	return NewEntry(data)
}

func (e *Entry) Players() []arena.PlayerID {
	out := make([]arena.PlayerID, len(e.players))
	copy(out, e.players)
	return out
}

func (e *Entry) Connect(arena.PlayerID) {}

func (e *Entry) Disconnect(arena.PlayerID) {}

// Update понимает единственную команду {"cancel": true}.
func (e *Entry) Update(_ arena.PlayerID, msg []byte) {
	var m struct {
		Cancel bool `json:"cancel"`
	}
	if err := json.Unmarshal(msg, &m); err == nil && m.Cancel {
		e.cancelled = true
	}
}

func (e *Entry) Tick(time.Duration) {}

func (e *Entry) HasMessage() bool { return false }

func (e *Entry) PeekMessage() arena.Message { return arena.Message{} }

func (e *Entry) PopMessage() {}

func (e *Entry) Done() bool { return e.cancelled }

// Result is replaced by the matchmaking server with the policy's
// cancel data; сама заявка результата не имеет.
func (e *Entry) Result(arena.PlayerID) any { return nil }
