package arena

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(id SessionID, players ...PlayerID) *instance {
	return newInstance(id, newStubSession(players...), nil, time.Now())
}

func TestRegistry_BindLookupUnbind(t *testing.T) {
	r := NewRegistry()

	r.Bind("c1", "p1", "s1")
	assert.Equal(t, 1, r.ConnCount())

	b, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, PlayerID("p1"), b.player)
	assert.Equal(t, SessionID("s1"), b.session)

	b, ok = r.Unbind("c1")
	require.True(t, ok)
	assert.Equal(t, PlayerID("p1"), b.player)
	assert.Equal(t, 0, r.ConnCount())

	// Повторный Unbind — промах
	_, ok = r.Unbind("c1")
	assert.False(t, ok)
	_, ok = r.Lookup("c1")
	assert.False(t, ok)
}

func TestRegistry_CreateSession(t *testing.T) {
	r := NewRegistry()
	in := testInstance("s1", "p1", "p2")

	require.NoError(t, r.CreateSession(in))
	assert.Equal(t, 1, r.LiveCount())

	got, ok := r.GetSession("s1")
	require.True(t, ok)
	assert.Same(t, in, got)

	// Индекс по игроку заполнен для всего ростера
	sid, ok := r.SessionByPlayer("p1")
	require.True(t, ok)
	assert.Equal(t, SessionID("s1"), sid)
	sid, ok = r.SessionByPlayer("p2")
	require.True(t, ok)
	assert.Equal(t, SessionID("s1"), sid)
}

func TestRegistry_CreateSession_DuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateSession(testInstance("s1", "p1")))

	err := r.CreateSession(testInstance("s1", "p2"))
	require.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, 1, r.LiveCount())

	// Индекс проигравшего дубля не создан
	_, ok := r.SessionByPlayer("p2")
	assert.False(t, ok)
}

func TestRegistry_CreateSession_PlayerBusy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateSession(testInstance("s1", "p1", "p2")))

	// p2 уже занят живой сессией
	err := r.CreateSession(testInstance("s2", "p2", "p3"))
	require.ErrorIs(t, err, ErrPlayerBusy)
	assert.Equal(t, 1, r.LiveCount())

	_, ok := r.GetSession("s2")
	assert.False(t, ok)
	_, ok = r.SessionByPlayer("p3")
	assert.False(t, ok)
}

func TestRegistry_RemoveSession(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateSession(testInstance("s1", "p1", "p2")))

	r.RemoveSession("s1")
	assert.Equal(t, 0, r.LiveCount())

	_, ok := r.GetSession("s1")
	assert.False(t, ok)
	_, ok = r.SessionByPlayer("p1")
	assert.False(t, ok)
	_, ok = r.SessionByPlayer("p2")
	assert.False(t, ok)

	// Игроки свободны: пересоздание проходит
	require.NoError(t, r.CreateSession(testInstance("s2", "p1", "p2")))
}

func TestRegistry_RemoveSession_Missing(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateSession(testInstance("s1", "p1")))

	// Снятие несуществующей сессии — no-op
	r.RemoveSession("s2")
	assert.Equal(t, 1, r.LiveCount())
}

func TestRegistry_RemoveSession_AfterRecreate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CreateSession(testInstance("s1", "p1")))
	r.RemoveSession("s1")
	require.NoError(t, r.CreateSession(testInstance("s2", "p1")))

	// Повторное снятие старой сессии не трогает индекс новой
	r.RemoveSession("s1")
	sid, ok := r.SessionByPlayer("p1")
	require.True(t, ok)
	assert.Equal(t, SessionID("s2"), sid)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Snapshot())

	require.NoError(t, r.CreateSession(testInstance("s1", "p1")))
	require.NoError(t, r.CreateSession(testInstance("s2", "p2")))
	require.NoError(t, r.CreateSession(testInstance("s3", "p3")))

	snap := r.Snapshot()
	require.Len(t, snap, 3)

	ids := make(map[SessionID]bool)
	for _, in := range snap {
		ids[in.id] = true
	}
	assert.Equal(t, map[SessionID]bool{"s1": true, "s2": true, "s3": true}, ids)
}

func TestRegistry_ConcurrentCreateRemove(t *testing.T) {
	r := NewRegistry()

	const goroutines = 32
	var wg sync.WaitGroup
	wg.Add(goroutines)

	// Каждая горутина гоняет свою пару игрок/сессия
	for i := range goroutines {
		go func(i int) {
			defer wg.Done()
			sid := SessionID(fmt.Sprintf("s%d", i))
			pid := PlayerID(fmt.Sprintf("p%d", i))
			for range 50 {
				if err := r.CreateSession(testInstance(sid, pid)); err != nil {
					t.Error(err)
					return
				}
				r.Bind(ConnID(fmt.Sprintf("c%d", i)), pid, sid)
				r.Unbind(ConnID(fmt.Sprintf("c%d", i)))
				r.RemoveSession(sid)
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 0, r.LiveCount())
	assert.Equal(t, 0, r.ConnCount())
}
