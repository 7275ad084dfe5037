// Package token реализует подпись и проверку bearer-токенов (JWT)
// для connect/result/session обмена между auth-сервером, игровым
// сервером и матчмейкером.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sessionforge/arena/internal/arena"
)

// Config описывает параметры подписи и проверки токенов.
type Config struct {
	// Algorithm — HS256 (default), HS384 или HS512.
	Algorithm string
	// Secret — общий ключ HMAC. Пустой ключ — ошибка конфигурации.
	Secret []byte
	// Issuer — iss подписываемых токенов (пусто: без iss).
	Issuer string
	// AcceptIssuer — требуемый iss входящих токенов (пусто: любой).
	AcceptIssuer string
	// TTL — срок жизни подписываемых токенов (0: без exp).
	TTL time.Duration
	// Leeway — допуск на рассинхронизацию часов при проверке exp.
	Leeway time.Duration
}

// Codec подписывает и проверяет компактные JWT с клеймами pid, sid, data.
// Числовые pid/sid нормализуются в decimal-строки, data отдаётся как
// сырой JSON. Реализует arena.Codec.
type Codec struct {
	method jwt.SigningMethod
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
}

// New создаёт кодек. Неизвестный алгоритм или пустой ключ — ошибка.
func New(cfg Config) (*Codec, error) {
	var method jwt.SigningMethod
	switch cfg.Algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("token: unsupported algorithm %q", cfg.Algorithm)
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token: secret is required")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
	}
	if cfg.AcceptIssuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.AcceptIssuer))
	}
	if cfg.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(cfg.Leeway))
	}

	return &Codec{
		method: method,
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Sign выпускает токен с клеймами pid, sid и data.
func (c *Codec) Sign(cl arena.Claims) (string, error) {
	claims := jwt.MapClaims{
		"pid": string(cl.Player),
		"sid": string(cl.Session),
	}
	if c.issuer != "" {
		claims["iss"] = c.issuer
	}
	if c.ttl > 0 {
		now := time.Now()
		claims["iat"] = jwt.NewNumericDate(now)
		claims["exp"] = jwt.NewNumericDate(now.Add(c.ttl))
	}
	if len(cl.Data) > 0 {
		claims["data"] = json.RawMessage(cl.Data)
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify проверяет подпись, алгоритм, issuer и срок токена.
// Любой отказ оборачивает arena.ErrBadToken.
func (c *Codec) Verify(raw string) (arena.Claims, error) {
	parsed, err := c.parser.ParseWithClaims(raw, jwt.MapClaims{}, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return arena.Claims{}, fmt.Errorf("%w: %w", arena.ErrBadToken, err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return arena.Claims{}, fmt.Errorf("%w: unexpected claims type", arena.ErrBadToken)
	}

	pid, err := identityClaim(mc, "pid")
	if err != nil {
		return arena.Claims{}, fmt.Errorf("%w: %w", arena.ErrBadToken, err)
	}
	sid, err := identityClaim(mc, "sid")
	if err != nil {
		return arena.Claims{}, fmt.Errorf("%w: %w", arena.ErrBadToken, err)
	}

	var data []byte
	if v, found := mc["data"]; found && v != nil {
		data, err = json.Marshal(v)
		if err != nil {
			return arena.Claims{}, fmt.Errorf("%w: encoding data claim: %w", arena.ErrBadToken, err)
		}
	}

	return arena.Claims{
		Player:  arena.PlayerID(pid),
		Session: arena.SessionID(sid),
		Data:    data,
	}, nil
}

// identityClaim достаёт строковый или числовой идентификатор.
// Числа нормализуются в decimal-форму: {"pid":1} и {"pid":"1"}
// дают один и тот же PlayerID.
func identityClaim(mc jwt.MapClaims, name string) (string, error) {
	v, ok := mc[name]
	if !ok {
		return "", fmt.Errorf("claim %q missing", name)
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("claim %q empty", name)
		}
		return id, nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("claim %q has unsupported type %T", name, v)
	}
}
