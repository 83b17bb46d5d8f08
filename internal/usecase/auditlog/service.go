package auditlog

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/infra/metrics"
	"tg-audit-bot/internal/usecase/attachments"
	"tg-audit-bot/internal/usecase/vault"
)

// defaultLimit применяется, когда страница запрошена без лимита.
const defaultLimit = 50

// Service ведёт версионированный журнал сообщений. Строки неизменяемы:
// правка добавляет новую строку со следующей версией.
type Service struct {
	entries  domain.MessageRepo
	vault    *vault.Service
	resolver *attachments.Service
	log      zerolog.Logger
	now      func() time.Time
	newUUID  func() string
}

// NewService создаёт журнал.
func NewService(entries domain.MessageRepo, vault *vault.Service, resolver *attachments.Service, log zerolog.Logger) *Service {
	return &Service{
		entries:  entries,
		vault:    vault,
		resolver: resolver,
		log:      log,
		now:      time.Now,
		newUUID:  uuid.NewString,
	}
}

// ShouldCapture отбирает события, несущие текст или медиа. Остальные
// молча отбрасываются.
func ShouldCapture(msg *domain.InboundMessage) bool {
	if msg == nil {
		return false
	}
	return msg.Text != "" || msg.StickerID != "" || len(msg.Files) > 0 || len(msg.Photos) > 0
}

// CapturePost записывает первый захват сообщения: активность POST,
// версия 0.
func (s *Service) CapturePost(msg *domain.InboundMessage) error {
	if !ShouldCapture(msg) {
		metrics.EntriesDropped.Inc()
		return nil
	}
	return s.ingest(msg, domain.ActivityPost, 0)
}

// CaptureEdit записывает правку: версия равна числу уже записанных
// правок той же линии плюс один.
func (s *Service) CaptureEdit(msg *domain.InboundMessage) error {
	if !ShouldCapture(msg) {
		metrics.EntriesDropped.Inc()
		return nil
	}
	if msg.Chat == nil {
		return nil
	}
	edits, err := s.entries.CountEdits(msg.Chat.ID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("подсчёт правок: %w", err)
	}
	return s.ingest(msg, domain.ActivityEdit, edits+1)
}

func (s *Service) ingest(msg *domain.InboundMessage, activity domain.Activity, version int) error {
	entry := domain.AuditEntry{
		UUID:      s.newUUID(),
		Version:   version,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		ReplyToID: msg.ReplyToID,
		StickerID: msg.StickerID,
		Activity:  activity,
		Timestamp: s.now().UTC(),
	}

	if msg.Poster != nil {
		posterID, err := s.vault.RegisterUser(msg.Poster)
		if err != nil {
			return err
		}
		entry.PosterID = posterID
		entry.PosterName = msg.Poster.Username
	}
	if msg.Chat != nil {
		if err := s.vault.RegisterGroup(msg.Chat); err != nil {
			return err
		}
		entry.GroupID = msg.Chat.ID
		entry.GroupName = msg.Chat.Title
	}
	if err := s.vault.RegisterGroupMember(msg.Chat, msg.Poster); err != nil {
		return fmt.Errorf("регистрация членства: %w", err)
	}

	if err := s.entries.InsertEntry(entry); err != nil {
		return fmt.Errorf("вставка записи журнала: %w", err)
	}
	metrics.EntriesIngested.WithLabelValues(string(activity)).Inc()

	// Вставка записи и вложений — независимые атомарные операции:
	// сбой между ними оставит запись без вложений, журнал best-effort.
	for _, media := range msg.Files {
		if err := s.resolver.SaveAttachment(entry.UUID, media); err != nil {
			s.log.Warn().Err(err).Str("uuid", entry.UUID).Msg("auditlog: вложение не сохранено")
		}
	}
	if photo, ok := pickPhoto(msg.Photos); ok {
		if err := s.resolver.SaveAttachment(entry.UUID, photo); err != nil {
			s.log.Warn().Err(err).Str("uuid", entry.UUID).Msg("auditlog: фото не сохранено")
		}
	}
	return nil
}

// pickPhoto выбирает самый крупный вариант фото; самый мелкий вариант
// становится миниатюрой.
func pickPhoto(variants []domain.Media) (domain.Media, bool) {
	if len(variants) == 0 {
		return domain.Media{}, false
	}
	sorted := make([]domain.Media, len(variants))
	copy(sorted, variants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	photo := sorted[len(sorted)-1]
	if photo.ThumbFileID == "" {
		photo.ThumbFileID = sorted[0].FileID
	}
	return photo, true
}

// Query выбирает страницу журнала с аннотациями. Страница без лимита
// получает лимит по умолчанию; лимит без страницы — первую страницу.
// Смещение равно page*limit.
func (s *Service) Query(filter domain.EntryFilter) ([]domain.AuditEntry, int, error) {
	if filter.Page > 0 && filter.Limit == 0 {
		filter.Limit = defaultLimit
	}

	rows, total, err := s.entries.QueryEntries(filter)
	if err != nil {
		return nil, 0, fmt.Errorf("выборка журнала: %w", err)
	}

	for i := range rows {
		row := &rows[i]
		if row.Activity == domain.ActivityPost {
			count, err := s.entries.CountEdits(row.GroupID, row.MessageID)
			if err != nil {
				return nil, 0, fmt.Errorf("подсчёт правок: %w", err)
			}
			row.EditCount = count
		}
		if filter.IncludeStickers && row.StickerID != "" {
			row.StickerURL = s.resolver.ResolveURL(row.StickerID)
		}
		if filter.IncludeAttachments {
			atts, err := s.resolver.ListForMessage(row.UUID)
			if err != nil {
				return nil, 0, err
			}
			row.Attachments = atts
			row.FileCount = len(atts)
			continue
		}
		count, err := s.resolver.CountForMessage(row.UUID)
		if err != nil {
			return nil, 0, fmt.Errorf("подсчёт вложений: %w", err)
		}
		row.FileCount = count
	}
	return rows, total, nil
}
