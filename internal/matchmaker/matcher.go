// Package matchmaker реализует сервер очереди: заявки живут как сессии
// движка, а подключаемая политика матчинга периодически собирает их в
// новые игровые сессии, анонсируемые подписанными session-токенами.
package matchmaker

import (
	"time"

	"github.com/sessionforge/arena/internal/arena"
)

// Group is one match produced by the policy: какие заявки слить,
// id новой сессии и payload её session-токенов.
type Group struct {
	// Participants — id заявок (сессий очереди), вошедших в матч.
	Participants []arena.SessionID
	// NewSession — id новой игровой сессии.
	NewSession arena.SessionID
	// Data — тело data-клейма session-токенов группы.
	// Обязано содержать полный ростер: фабрика игровой сессии строит
	// по нему список допущенных игроков.
	Data any
}

// Matcher is the host-supplied matching policy.
//
// Match получает snapshot очереди и решает, кого свести. Группы,
// ссылающиеся на уже исчезнувшие заявки, пропускаются целиком.
// Реализации не обязаны быть thread-safe: движок зовёт Match из
// одной горутины.
type Matcher interface {
	Match(queue []arena.QueueInfo, delta time.Duration) []Group
	// CancelData — тело data-клейма токена отозванной заявки.
	CancelData() any
}

// entrySession подменяет result завершённой заявки на cancel-данные
// матчера: снятая клиентом заявка завершается штатным путём движка
// и уносит в архив подписанный cancel-токен.
type entrySession struct {
	arena.Session
	matcher Matcher
}

func (e *entrySession) Result(arena.PlayerID) any {
	return e.matcher.CancelData()
}
