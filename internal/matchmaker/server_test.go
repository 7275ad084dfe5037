package matchmaker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/arena/internal/arena"
	"github.com/sessionforge/arena/internal/games/tictactoe"
	"github.com/sessionforge/arena/internal/matchmaker"
	"github.com/sessionforge/arena/internal/testutil"
)

// startMatchmaker поднимает сервер очереди с быстрыми циклами
// на фейковом транспорте.
func startMatchmaker(t *testing.T) (*matchmaker.Server, *testutil.FakeTransport, arena.Codec) {
	t.Helper()

	codec := testutil.NewCodec(t, "arena-match")
	tr := testutil.NewFakeTransport()
	mm, err := matchmaker.New(matchmaker.Config{
		Engine:      arena.Config{TickPeriod: 5 * time.Millisecond},
		MatchPeriod: 20 * time.Millisecond,
	}, tr, codec, codec, tictactoe.EntryFactory, tictactoe.NewMatchmaker())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mm.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("matchmaker did not stop")
		}
	})

	return mm, tr, codec
}

func TestNew_Validation(t *testing.T) {
	codec := testutil.NewCodec(t, "arena-match")
	tr := testutil.NewFakeTransport()

	_, err := matchmaker.New(matchmaker.Config{}, tr, codec, codec, tictactoe.EntryFactory, nil)
	require.Error(t, err)

	_, err = matchmaker.New(matchmaker.Config{}, tr, codec, codec, nil, tictactoe.NewMatchmaker())
	require.Error(t, err)

	_, err = matchmaker.New(matchmaker.Config{}, tr, codec, codec, tictactoe.EntryFactory, tictactoe.NewMatchmaker())
	require.NoError(t, err)
}

func TestServer_MatchFlow(t *testing.T) {
	mm, tr, codec := startMatchmaker(t)

	// Две заявки в очереди
	aliceTok := testutil.MintToken(t, codec, "alice", "q-alice", `{"players":["alice"]}`)
	bobTok := testutil.MintToken(t, codec, "bob", "q-bob", `{"players":["bob"]}`)

	mm.HandleOpen("c1")
	mm.HandleMessage("c1", []byte(aliceTok))
	mm.HandleOpen("c2")
	mm.HandleMessage("c2", []byte(bobTok))

	// Цикл матчинга сводит их и закрывает оба соединения
	require.Eventually(t, func() bool {
		return tr.Closed("c1") && tr.Closed("c2")
	}, 2*time.Second, 10*time.Millisecond)

	for _, conn := range []arena.ConnID{"c1", "c2"} {
		reason, _ := tr.CloseReason(conn)
		assert.Equal(t, arena.CloseReasonMatched, reason, "conn %s", conn)
	}

	// Последний кадр каждого — session-токен новой игры
	aliceClaims, err := codec.Verify(string(tr.LastSent("c1")))
	require.NoError(t, err)
	bobClaims, err := codec.Verify(string(tr.LastSent("c2")))
	require.NoError(t, err)

	assert.Equal(t, arena.PlayerID("alice"), aliceClaims.Player)
	assert.Equal(t, arena.PlayerID("bob"), bobClaims.Player)

	// Оба токена адресуют одну и ту же новую сессию, не заявку
	require.NotEmpty(t, aliceClaims.Session)
	assert.Equal(t, aliceClaims.Session, bobClaims.Session)
	assert.NotEqual(t, arena.SessionID("q-alice"), aliceClaims.Session)
	assert.NotEqual(t, arena.SessionID("q-bob"), aliceClaims.Session)

	// Payload несёт полный ростер матча
	var payload struct {
		Matched bool     `json:"matched"`
		Players []string `json:"players"`
	}
	require.NoError(t, json.Unmarshal(aliceClaims.Data, &payload))
	assert.True(t, payload.Matched)
	assert.ElementsMatch(t, []string{"alice", "bob"}, payload.Players)

	// Игровой сервер примет этот payload как есть
	sess, err := tictactoe.Factory(aliceClaims.Data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []arena.PlayerID{"alice", "bob"}, sess.Players())

	// Очередь опустела
	assert.Empty(t, mm.QueuedEntries())
	assert.Equal(t, 0, mm.Connections())
}

func TestServer_ThreeEntries_OneLeftWaiting(t *testing.T) {
	mm, tr, codec := startMatchmaker(t)

	conns := []arena.ConnID{"c1", "c2", "c3"}
	for i, pid := range []string{"alice", "bob", "carol"} {
		tok := testutil.MintToken(t, codec,
			arena.PlayerID(pid), arena.SessionID("q-"+pid), `{"players":["`+pid+`"]}`)
		mm.HandleOpen(conns[i])
		mm.HandleMessage(conns[i], []byte(tok))
	}

	// Из трёх заявок складывается одна пара, третья продолжает ждать
	require.Eventually(t, func() bool {
		return len(mm.QueuedEntries()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	closed := 0
	for _, conn := range conns {
		if tr.Closed(conn) {
			closed++
			reason, _ := tr.CloseReason(conn)
			assert.Equal(t, arena.CloseReasonMatched, reason, "conn %s", conn)
		}
	}
	assert.Equal(t, 2, closed)
	assert.Equal(t, 1, mm.Connections())
}

func TestServer_SingleEntry_NoMatch(t *testing.T) {
	mm, tr, codec := startMatchmaker(t)

	tok := testutil.MintToken(t, codec, "alice", "q-alice", `{"players":["alice"]}`)
	mm.HandleOpen("c1")
	mm.HandleMessage("c1", []byte(tok))

	require.Eventually(t, func() bool {
		return len(mm.QueuedEntries()) == 1
	}, time.Second, 10*time.Millisecond)

	// Несколько проходов матчинга: одиночная заявка продолжает ждать
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, mm.QueuedEntries(), 1)
	assert.False(t, tr.Closed("c1"))
}

func TestServer_CancelEntry(t *testing.T) {
	mm, tr, codec := startMatchmaker(t)

	tok := testutil.MintToken(t, codec, "alice", "q-alice", `{"players":["alice"]}`)
	mm.HandleOpen("c1")
	mm.HandleMessage("c1", []byte(tok))
	require.Eventually(t, func() bool {
		return mm.Connections() == 1
	}, time.Second, 10*time.Millisecond)

	// Команда снятия заявки; жатва движка выдаёт cancel-токен
	mm.HandleMessage("c1", []byte(`{"cancel":true}`))

	require.Eventually(t, func() bool {
		reason, closed := tr.CloseReason("c1")
		return closed && reason == arena.CloseReasonCancelled
	}, 2*time.Second, 10*time.Millisecond)

	claims, err := codec.Verify(string(tr.LastSent("c1")))
	require.NoError(t, err)
	assert.Equal(t, arena.PlayerID("alice"), claims.Player)
	assert.Equal(t, arena.SessionID("q-alice"), claims.Session)
	assert.JSONEq(t, `{"matched":false}`, string(claims.Data))

	assert.Empty(t, mm.QueuedEntries())
}

func TestServer_DisconnectAbandonsEntry(t *testing.T) {
	mm, tr, codec := startMatchmaker(t)

	tok := testutil.MintToken(t, codec, "alice", "q-alice", `{"players":["alice"]}`)
	mm.HandleOpen("c1")
	mm.HandleMessage("c1", []byte(tok))
	require.Eventually(t, func() bool {
		return len(mm.QueuedEntries()) == 1
	}, time.Second, 10*time.Millisecond)

	// Разрыв соединения снимает заявку без токенов и архива
	mm.HandleClose("c1")

	require.Eventually(t, func() bool {
		return len(mm.QueuedEntries()) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, tr.Sent("c1"))
	assert.Equal(t, 0, mm.Connections())
}

func TestServer_BadQueuePayload(t *testing.T) {
	mm, tr, codec := startMatchmaker(t)

	// Токен валиден, но payload не называет игроков
	tok := testutil.MintToken(t, codec, "alice", "q-alice", `{"players":[]}`)
	mm.HandleOpen("c1")
	mm.HandleMessage("c1", []byte(tok))

	require.Eventually(t, func() bool {
		return tr.Closed("c1")
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, mm.QueuedEntries())
}
