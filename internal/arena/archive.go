package arena

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Bounds of the sweeper interval.
const (
	minSweepInterval = time.Second
	maxSweepInterval = time.Minute
)

// Archive хранит подписанные result-токены завершённых сессий, чтобы
// поздний reconnect мог получить свой результат после того, как сессия
// снята с живого реестра.
// Thread-safe через sync.Map: записи читаются чаще, чем создаются.
type Archive struct {
	entries   sync.Map // map[SessionID]*ArchiveEntry
	retention time.Duration
}

// ArchiveEntry хранит токены одной завершённой сессии.
// Экспортируется для тестирования (можно манипулировать ArchivedAt).
type ArchiveEntry struct {
	Tokens     map[PlayerID]string
	ArchivedAt time.Time
}

// NewArchive создаёт архив с заданным сроком хранения записей.
func NewArchive(retention time.Duration) *Archive {
	return &Archive{retention: retention}
}

// Put кладёт токены завершённой сессии в архив.
func (a *Archive) Put(id SessionID, tokens map[PlayerID]string) {
	a.entries.Store(id, &ArchiveEntry{
		Tokens:     tokens,
		ArchivedAt: time.Now(),
	})
}

// PutEntry кладёт готовую запись (для тестов с манипуляцией времени).
func (a *Archive) PutEntry(id SessionID, entry *ArchiveEntry) {
	a.entries.Store(id, entry)
}

// TokenFor возвращает result-токен игрока для завершённой сессии.
func (a *Archive) TokenFor(id SessionID, player PlayerID) (string, bool) {
	val, ok := a.entries.Load(id)
	if !ok {
		return "", false
	}
	entry := val.(*ArchiveEntry)
	token, ok := entry.Tokens[player]
	return token, ok
}

// Contains сообщает, есть ли сессия в архиве.
func (a *Archive) Contains(id SessionID) bool {
	_, ok := a.entries.Load(id)
	return ok
}

// Remove удаляет сессию из архива.
func (a *Archive) Remove(id SessionID) {
	a.entries.Delete(id)
}

// CleanExpired удаляет записи старше срока хранения.
// Возвращает количество удалённых записей.
func (a *Archive) CleanExpired() int {
	now := time.Now()
	removed := 0
	a.entries.Range(func(key, value any) bool {
		entry := value.(*ArchiveEntry)
		if now.Sub(entry.ArchivedAt) > a.retention {
			a.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Count возвращает количество архивных записей.
func (a *Archive) Count() int {
	count := 0
	a.entries.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// RunSweeper периодически чистит просроченные записи до отмены контекста.
func (a *Archive) RunSweeper(ctx context.Context) error {
	interval := a.retention / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := a.CleanExpired(); removed > 0 {
				slog.Debug("archive swept", "removed", removed, "left", a.Count())
			}
		}
	}
}
