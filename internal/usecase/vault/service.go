package vault

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-audit-bot/internal/cryptox"
	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/infra/metrics"
)

// queryLimit ограничивает выдачу поиска по пользователям.
const queryLimit = 50

// Service — справочник пользователей и групп поверх слоя шифрования.
// Имена шифруются здесь же: хранилище видит только конверты.
type Service struct {
	users   domain.UserRepo
	groups  domain.GroupRepo
	members domain.MemberRepo
	cipher  *cryptox.Cipher
	log     zerolog.Logger

	retentionDays int
}

// NewService создаёт справочник.
func NewService(users domain.UserRepo, groups domain.GroupRepo, members domain.MemberRepo, cipher *cryptox.Cipher, retentionDays int, log zerolog.Logger) *Service {
	return &Service{users: users, groups: groups, members: members, cipher: cipher, retentionDays: retentionDays, log: log}
}

// Pseudonym возвращает псевдоним внешнего идентификатора.
func (s *Service) Pseudonym(rawID int64) string {
	return s.cipher.Hash(strconv.FormatInt(rawID, 10))
}

func (s *Service) decrypt(u domain.User) domain.User {
	u.Username = s.cipher.Decrypt(u.Username)
	u.FirstName = s.cipher.Decrypt(u.FirstName)
	u.LastName = s.cipher.Decrypt(u.LastName)
	return u
}

// RegisterUser псевдонимизирует и сохраняет пользователя, возвращая
// псевдоним. Повторная регистрация обновляет зашифрованные поля.
func (s *Service) RegisterUser(raw *domain.InboundUser) (string, error) {
	if raw == nil {
		return "", nil
	}
	id := s.Pseudonym(raw.ID)
	err := s.users.UpsertUser(domain.User{
		ID:        id,
		Username:  s.cipher.Encrypt(raw.Username),
		FirstName: s.cipher.Encrypt(raw.FirstName),
		LastName:  s.cipher.Encrypt(raw.LastName),
	})
	if err != nil {
		return "", fmt.Errorf("сохранение пользователя: %w", err)
	}
	return id, nil
}

// RegisterGroup сохраняет или обновляет группу.
func (s *Service) RegisterGroup(chat *domain.InboundChat) error {
	if chat == nil {
		return nil
	}
	if err := s.groups.UpsertGroup(domain.Group{ID: chat.ID, Name: chat.Title}); err != nil {
		return fmt.Errorf("сохранение группы: %w", err)
	}
	return nil
}

// RegisterGroupMember идемпотентно фиксирует членство. Отсутствие
// любого аргумента — no-op.
func (s *Service) RegisterGroupMember(chat *domain.InboundChat, raw *domain.InboundUser) error {
	if chat == nil || raw == nil {
		return nil
	}
	return s.members.AddMember(chat.ID, s.Pseudonym(raw.ID))
}

// ByRawID ищет пользователя по внешнему идентификатору.
func (s *Service) ByRawID(rawID int64) (*domain.User, error) {
	return s.ByPseudonym(s.Pseudonym(rawID))
}

// ByPseudonym ищет пользователя по псевдониму; nil если не найден.
func (s *Service) ByPseudonym(id string) (*domain.User, error) {
	user, found, err := s.users.GetUser(id)
	if err != nil {
		return nil, fmt.Errorf("поиск пользователя: %w", err)
	}
	if !found {
		return nil, nil
	}
	decrypted := s.decrypt(user)
	return &decrypted, nil
}

// IsAdmin сообщает, помечен ли пользователь администратором.
// Отсутствующий пользователь — не администратор.
func (s *Service) IsAdmin(rawID int64) bool {
	user, found, err := s.users.GetUser(s.Pseudonym(rawID))
	if err != nil {
		s.log.Warn().Err(err).Msg("vault: проверка администратора не удалась")
		return false
	}
	return found && user.IsAdmin
}

// SetAdmin выставляет флаг администратора по внешнему идентификатору.
func (s *Service) SetAdmin(rawID int64, admin bool) error {
	return s.users.SetAdmin(s.Pseudonym(rawID), admin)
}

// SetPhoto сохраняет ссылку на фото профиля по псевдониму.
func (s *Service) SetPhoto(id string, url string) error {
	return s.users.SetPhoto(id, url)
}

// Query фильтрует пользователей по подстроке расшифрованных имён.
// Выборка ограничена queryLimit строками.
func (s *Service) Query(term string) ([]domain.User, error) {
	all, err := s.users.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("выборка пользователей: %w", err)
	}
	needle := strings.ToLower(term)
	var matched []domain.User
	for _, u := range all {
		u = s.decrypt(u)
		haystack := strings.ToLower(u.Username + "\n" + u.FirstName + "\n" + u.LastName)
		if strings.Contains(haystack, needle) {
			matched = append(matched, u)
			if len(matched) == queryLimit {
				break
			}
		}
	}
	return matched, nil
}

// ListAll возвращает всех пользователей с расшифрованными именами.
func (s *Service) ListAll() ([]domain.User, error) {
	all, err := s.users.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("выборка пользователей: %w", err)
	}
	for i := range all {
		all[i] = s.decrypt(all[i])
	}
	return all, nil
}

// MembersOf возвращает участников группы.
func (s *Service) MembersOf(groupID int64) ([]domain.User, error) {
	users, err := s.users.ListGroupUsers(groupID)
	if err != nil {
		return nil, fmt.Errorf("выборка участников: %w", err)
	}
	for i := range users {
		users[i] = s.decrypt(users[i])
	}
	return users, nil
}

// ListGroups возвращает группы, при search — по подстроке имени.
func (s *Service) ListGroups(search string) ([]domain.Group, error) {
	groups, err := s.groups.ListGroups(search)
	if err != nil {
		return nil, fmt.Errorf("выборка групп: %w", err)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

// CleanupExpired удаляет пользователей и членства старше срока хранения.
// Нулевой или отрицательный срок отключает зачистку.
func (s *Service) CleanupExpired() {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	users, err := s.users.DeleteUsersBefore(cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("vault: зачистка пользователей не удалась")
		return
	}
	members, err := s.members.DeleteMembersBefore(cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("vault: зачистка членств не удалась")
		return
	}
	metrics.SweepDeleted.WithLabelValues("retention").Add(float64(users + members))
	s.log.Info().Int64("users", users).Int64("members", members).Int("days", s.retentionDays).Msg("vault: зачистка по сроку хранения выполнена")
}
