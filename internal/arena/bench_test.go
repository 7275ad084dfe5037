package arena

import (
	"context"
	"fmt"
	"testing"
	"time"
)

var benchFrame = []byte("state")

// benchSession — минимальный Session без записи истории вызовов.
type benchSession struct {
	players []PlayerID
	out     []Message
}

func (s *benchSession) Players() []PlayerID { return s.players }
func (s *benchSession) Connect(PlayerID)    {}
func (s *benchSession) Disconnect(PlayerID) {}
func (s *benchSession) Update(id PlayerID, _ []byte) {
	s.out = append(s.out, Message{To: id, Text: benchFrame})
}
func (s *benchSession) Tick(time.Duration)   {}
func (s *benchSession) HasMessage() bool     { return len(s.out) > 0 }
func (s *benchSession) PeekMessage() Message { return s.out[0] }
func (s *benchSession) PopMessage()          { s.out = s.out[1:] }
func (s *benchSession) Done() bool           { return false }
func (s *benchSession) Result(PlayerID) any  { return nil }

// BenchmarkQueue_Push — постановка события на hot path read pump
func BenchmarkQueue_Push(b *testing.B) {
	b.ReportAllocs()

	q := NewQueue(4, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for lane := range q.Lanes() {
		go q.Drain(ctx, lane, func(Action) {})
	}

	a := Action{Kind: ActionMessage, Conn: "bench-conn", Text: benchFrame}

	b.ResetTimer()
	for range b.N {
		if err := q.Push(a); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkQueue_LaneFor — FNV-1a хэширование соединения в lane
func BenchmarkQueue_LaneFor(b *testing.B) {
	b.ReportAllocs()

	q := NewQueue(8, 16)
	conn := ConnID("3c9f2a17-5e44-4b2f-9d3a-8f0c12b4d7e1")

	b.ResetTimer()
	for range b.N {
		_ = q.laneFor(conn)
	}
}

// BenchmarkRegistry_Lookup — RLock на каждый входящий кадр
func BenchmarkRegistry_Lookup(b *testing.B) {
	b.ReportAllocs()

	r := NewRegistry()
	for i := range 1000 {
		r.Bind(
			ConnID(fmt.Sprintf("c%d", i)),
			PlayerID(fmt.Sprintf("p%d", i)),
			SessionID(fmt.Sprintf("s%d", i)),
		)
	}

	b.ResetTimer()
	for range b.N {
		if _, ok := r.Lookup("c500"); !ok {
			b.Fatal("lookup failed")
		}
	}
}

// BenchmarkRegistry_Lookup_Concurrent — параллельное чтение привязок
func BenchmarkRegistry_Lookup_Concurrent(b *testing.B) {
	b.ReportAllocs()

	r := NewRegistry()
	for i := range 1000 {
		r.Bind(
			ConnID(fmt.Sprintf("c%d", i)),
			PlayerID(fmt.Sprintf("p%d", i)),
			SessionID(fmt.Sprintf("s%d", i)),
		)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, ok := r.Lookup("c500"); !ok {
				b.Fatal("lookup failed")
			}
		}
	})
}

// BenchmarkArchive_TokenFor — чтение result-токена из sync.Map
func BenchmarkArchive_TokenFor(b *testing.B) {
	b.ReportAllocs()

	a := NewArchive(time.Hour)
	for i := range 1000 {
		a.Put(SessionID(fmt.Sprintf("s%d", i)), map[PlayerID]string{"p1": "tok"})
	}

	b.ResetTimer()
	for range b.N {
		if _, ok := a.TokenFor("s500", "p1"); !ok {
			b.Fatal("miss")
		}
	}
}

// BenchmarkInstance_Update — путь кадра через мьютекс записи сессии
func BenchmarkInstance_Update(b *testing.B) {
	b.ReportAllocs()

	sess := &benchSession{players: []PlayerID{"p1"}}
	in := newInstance("s1", sess, nil, time.Now())
	in.connect("p1", "c1")
	msg := []byte(`{"move":[1,1]}`)

	b.ResetTimer()
	for range b.N {
		if _, ok := in.update("p1", msg); !ok {
			b.Fatal("update rejected")
		}
	}
}

// BenchmarkServer_TickSessions — полный цикл по живым сессиям
func BenchmarkServer_TickSessions(b *testing.B) {
	sessionCounts := []int{10, 100, 1000}

	for _, count := range sessionCounts {
		b.Run(fmt.Sprintf("sessions=%d", count), func(b *testing.B) {
			b.ReportAllocs()

			tr := newFakeTransport()
			codec := &fakeCodec{}
			s, err := New(Config{}, tr, codec, codec, rosterFactory(nil))
			if err != nil {
				b.Fatal(err)
			}

			for i := range count {
				sess := &benchSession{players: []PlayerID{PlayerID(fmt.Sprintf("p%d", i))}}
				in := newInstance(SessionID(fmt.Sprintf("s%d", i)), sess, nil, time.Now())
				if err := s.registry.CreateSession(in); err != nil {
					b.Fatal(err)
				}
			}

			ctx := context.Background()
			b.ResetTimer()
			for range b.N {
				s.tickSessions(ctx, 50*time.Millisecond)
			}
		})
	}
}
