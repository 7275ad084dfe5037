package arena

import "errors"

// Sentinel errors of the admission and delivery paths.
// Все ошибки локальны: затрагивают одно соединение или одно сообщение
// и никогда не валят сервер.
var (
	// ErrBadToken — подпись, issuer или форма connect-токена не прошли проверку.
	ErrBadToken = errors.New("token rejected")
	// ErrBadPayload — фабрика сессии отвергла payload токена.
	ErrBadPayload = errors.New("session payload rejected")
	// ErrNotPermitted — игрока нет в ростере названной сессии.
	ErrNotPermitted = errors.New("player not permitted")
	// ErrSessionExists — сессия с таким id уже есть в живом реестре.
	ErrSessionExists = errors.New("session already exists")
	// ErrPlayerBusy — у игрока уже есть живая сессия (не больше одной).
	ErrPlayerBusy = errors.New("player already in a live session")
	// ErrSendFailed — транспорт не смог доставить кадр.
	ErrSendFailed = errors.New("send failed")
	// ErrQueueClosed — очередь действий остановлена.
	ErrQueueClosed = errors.New("action queue closed")
	// ErrQueueFull — lane переполнена, неблокирующая постановка не удалась.
	ErrQueueFull = errors.New("action queue full")
)
