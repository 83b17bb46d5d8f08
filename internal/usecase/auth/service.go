package auth

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/infra/metrics"
	"tg-audit-bot/internal/usecase/vault"
)

const (
	// widgetAuthWindow — максимальный возраст auth_date виджета.
	widgetAuthWindow = 24 * time.Hour
	// tokenTTL — срок жизни одноразового токена входа.
	tokenTTL = time.Hour

	credentialBytes = 32
)

// ErrSignatureMismatch возвращается при расхождении подписи виджета.
var ErrSignatureMismatch = errors.New("подпись не совпадает")

// ErrAuthExpired возвращается для устаревшего или отсутствующего auth_date.
var ErrAuthExpired = errors.New("данные аутентификации устарели")

// ErrInvalidToken возвращается для неизвестного, погашенного или
// просроченного токена входа.
var ErrInvalidToken = errors.New("invalid token")

// ErrMethodDisabled возвращается, когда путь входа выключен конфигом.
var ErrMethodDisabled = errors.New("способ входа отключён")

// ErrPrivateOnly возвращается при выпуске токена вне личного чата.
var ErrPrivateOnly = errors.New("токен выдаётся только в личном чате")

// ErrNotAdmin возвращается, когда пользователь не администрирует ни
// одной известной группы.
var ErrNotAdmin = errors.New("пользователь не администратор")

// WidgetFields — подписанные поля виджета входа. Пустая строка — поле
// отсутствует.
type WidgetFields struct {
	ID        string
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
	AuthDate  string
	Hash      string
}

// Service — центр сессий и токенов: три независимых пути входа, каждый
// заканчивается строкой сессии.
type Service struct {
	sessions domain.SessionRepo
	tokens   domain.TokenRepo
	vault    *vault.Service
	gateway  domain.MessagingGateway
	log      zerolog.Logger

	secret        []byte
	serverHost    string
	widgetEnabled bool
	linkEnabled   bool
	now           func() time.Time
}

// Config — настройки центра аутентификации.
type Config struct {
	BotToken      string
	ServerURL     string
	WidgetEnabled bool
	LinkEnabled   bool
}

// NewService создаёт центр аутентификации. Ключ подписи виджета —
// SHA-256 от токена бота.
func NewService(sessions domain.SessionRepo, tokens domain.TokenRepo, vault *vault.Service, gateway domain.MessagingGateway, cfg Config, log zerolog.Logger) *Service {
	secret := sha256.Sum256([]byte(cfg.BotToken))
	host := ""
	if parsed, err := url.Parse(cfg.ServerURL); err == nil {
		host = parsed.Hostname()
	}
	return &Service{
		sessions:      sessions,
		tokens:        tokens,
		vault:         vault,
		gateway:       gateway,
		log:           log,
		secret:        secret[:],
		serverHost:    host,
		widgetEnabled: cfg.WidgetEnabled,
		linkEnabled:   cfg.LinkEnabled,
		now:           time.Now,
	}
}

// WidgetEnabled сообщает, включён ли вход через виджет.
func (s *Service) WidgetEnabled() bool { return s.widgetEnabled }

// LinkEnabled сообщает, включён ли вход по одноразовой ссылке.
func (s *Service) LinkEnabled() bool { return s.linkEnabled }

func newCredential() (string, error) {
	buf := make([]byte, credentialBytes)
	if _, err := crand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) createSession(userID string, authDate time.Time) (string, error) {
	id, err := newCredential()
	if err != nil {
		return "", fmt.Errorf("генерация идентификатора сессии: %w", err)
	}
	if err := s.sessions.InsertSession(domain.Session{ID: id, UserID: userID, AuthDate: authDate}); err != nil {
		return "", fmt.Errorf("сохранение сессии: %w", err)
	}
	return id, nil
}

// checkString собирает строку проверки: присутствующие пары key=value
// без hash, отсортированные лексикографически, через перевод строки.
func (f WidgetFields) checkString() string {
	pairs := []string{}
	add := func(key, value string) {
		if value != "" {
			pairs = append(pairs, key+"="+value)
		}
	}
	add("auth_date", f.AuthDate)
	add("first_name", f.FirstName)
	add("id", f.ID)
	add("last_name", f.LastName)
	add("photo_url", f.PhotoURL)
	add("username", f.Username)
	sort.Strings(pairs)
	return strings.Join(pairs, "\n")
}

// AuthorizeWidget проверяет подпись виджета и создаёт сессию.
// Возвращает идентификатор сессии.
func (s *Service) AuthorizeWidget(fields WidgetFields) (sessionID string, err error) {
	defer func() { metrics.ObserveAuth("widget", err) }()

	if !s.widgetEnabled {
		return "", ErrMethodDisabled
	}
	if fields.Hash == "" || fields.ID == "" {
		return "", ErrSignatureMismatch
	}
	if fields.AuthDate == "" {
		return "", ErrAuthExpired
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(fields.checkString()))
	presented, decodeErr := hex.DecodeString(fields.Hash)
	if decodeErr != nil || !hmac.Equal(mac.Sum(nil), presented) {
		return "", ErrSignatureMismatch
	}

	authUnix, parseErr := strconv.ParseInt(fields.AuthDate, 10, 64)
	if parseErr != nil {
		return "", ErrAuthExpired
	}
	authDate := time.Unix(authUnix, 0)
	if s.now().Sub(authDate) > widgetAuthWindow {
		return "", ErrAuthExpired
	}

	rawID, parseErr := strconv.ParseInt(fields.ID, 10, 64)
	if parseErr != nil {
		return "", ErrSignatureMismatch
	}
	userID, err := s.vault.RegisterUser(&domain.InboundUser{
		ID:        rawID,
		Username:  fields.Username,
		FirstName: fields.FirstName,
		LastName:  fields.LastName,
	})
	if err != nil {
		return "", err
	}
	if fields.PhotoURL != "" {
		if err := s.vault.SetPhoto(userID, fields.PhotoURL); err != nil {
			s.log.Warn().Err(err).Msg("auth: не удалось сохранить фото профиля")
		}
	}
	return s.createSession(userID, authDate)
}

// ResolveSession возвращает пользователя сессии; nil — аноним.
func (s *Service) ResolveSession(sessionID string) (*domain.User, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, found, err := s.sessions.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("поиск сессии: %w", err)
	}
	if !found {
		return nil, nil
	}
	return s.vault.ByPseudonym(session.UserID)
}

// Logout удаляет сессию.
func (s *Service) Logout(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.sessions.DeleteSession(sessionID)
}

// adminsAnyGroup сообщает, администрирует ли пользователь хотя бы одну
// известную группу. Отказ шлюза трактуется как "нет".
func (s *Service) adminsAnyGroup(rawID int64) bool {
	if s.vault.IsAdmin(rawID) {
		return true
	}
	groups, err := s.vault.ListGroups("")
	if err != nil {
		s.log.Warn().Err(err).Msg("auth: не удалось получить группы")
		return false
	}
	for _, g := range groups {
		admins, err := s.gateway.ListAdmins(g.ID)
		if err != nil {
			continue
		}
		for _, id := range admins {
			if id == rawID {
				return true
			}
		}
	}
	return false
}

// IssueLinkToken выпускает одноразовый токен входа. Только в личном
// чате и только администратору хотя бы одной известной группы.
func (s *Service) IssueLinkToken(raw *domain.InboundUser, chat *domain.InboundChat) (token string, err error) {
	defer func() { metrics.ObserveAuth("link_issue", err) }()

	if !s.linkEnabled {
		return "", ErrMethodDisabled
	}
	if raw == nil || chat == nil || !chat.Private {
		return "", ErrPrivateOnly
	}
	if !s.adminsAnyGroup(raw.ID) {
		return "", ErrNotAdmin
	}
	userID, err := s.vault.RegisterUser(raw)
	if err != nil {
		return "", err
	}
	token, err = newCredential()
	if err != nil {
		return "", fmt.Errorf("генерация токена: %w", err)
	}
	if err := s.tokens.InsertToken(domain.AccessToken{Token: token, UserID: userID}); err != nil {
		return "", fmt.Errorf("сохранение токена: %w", err)
	}
	return token, nil
}

// AttachAnnouncement привязывает к токену анонсирующее сообщение для
// последующей зачистки.
func (s *Service) AttachAnnouncement(token string, groupID int64, messageID int) error {
	return s.tokens.AttachAnnouncement(token, groupID, messageID)
}

func (s *Service) deleteAnnouncement(t domain.AccessToken) {
	if t.GroupID == 0 || t.MessageID == 0 {
		return
	}
	if err := s.gateway.DeleteMessage(t.GroupID, t.MessageID); err != nil {
		s.log.Debug().Err(err).Int64("group", t.GroupID).Msg("auth: анонс не удалён")
	}
}

// RedeemToken гасит токен: существует, моложе часа, удаляется сразу.
// Успешное погашение создаёт сессию и best-effort убирает анонс.
func (s *Service) RedeemToken(token string) (sessionID string, err error) {
	defer func() { metrics.ObserveAuth("link_redeem", err) }()

	if !s.linkEnabled {
		return "", ErrMethodDisabled
	}
	stored, found, err := s.tokens.GetToken(token)
	if err != nil {
		return "", fmt.Errorf("поиск токена: %w", err)
	}
	if !found {
		return "", ErrInvalidToken
	}
	if err := s.tokens.DeleteToken(token); err != nil {
		return "", fmt.Errorf("гашение токена: %w", err)
	}
	if s.now().Sub(stored.CreatedAt) > tokenTTL {
		s.deleteAnnouncement(stored)
		return "", ErrInvalidToken
	}
	s.deleteAnnouncement(stored)
	return s.createSession(stored.UserID, s.now())
}

// CleanupExpiredTokens удаляет токены старше часа вместе с их анонсами.
func (s *Service) CleanupExpiredTokens() {
	expired, err := s.tokens.ListTokensBefore(s.now().Add(-tokenTTL))
	if err != nil {
		s.log.Error().Err(err).Msg("auth: выборка просроченных токенов не удалась")
		return
	}
	for _, t := range expired {
		s.deleteAnnouncement(t)
		if err := s.tokens.DeleteToken(t.Token); err != nil {
			s.log.Error().Err(err).Msg("auth: не удалось удалить просроченный токен")
		}
	}
	metrics.SweepDeleted.WithLabelValues("tokens").Add(float64(len(expired)))
	if len(expired) > 0 {
		s.log.Info().Int("tokens", len(expired)).Msg("auth: просроченные токены зачищены")
	}
}

// CheckOrigin проверяет CSRF: присутствующий Origin/Referer обязан
// указывать на хост сервера; отсутствие заголовка допустимо.
func (s *Service) CheckOrigin(origin, referer string) bool {
	header := origin
	if header == "" {
		header = referer
	}
	if header == "" {
		return true
	}
	parsed, err := url.Parse(header)
	if err != nil {
		return false
	}
	return parsed.Hostname() == s.serverHost
}

// IsGroupAdmin сообщает, администрирует ли пользователь конкретную
// группу: либо глобальный флаг, либо список администраторов из шлюза.
// Сырые идентификаторы администраторов псевдонимизируются перед
// сравнением: обратного пути от псевдонима к внешнему id нет.
func (s *Service) IsGroupAdmin(user *domain.User, groupID int64) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin {
		return true
	}
	admins, err := s.gateway.ListAdmins(groupID)
	if err != nil {
		return false
	}
	for _, id := range admins {
		if s.vault.Pseudonym(id) == user.ID {
			return true
		}
	}
	return false
}
