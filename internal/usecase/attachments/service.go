package attachments

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/infra/metrics"
)

const (
	// FreshWindow — срок, в течение которого закэшированная ссылка
	// отдаётся без похода в шлюз.
	FreshWindow = 46 * time.Minute
	// PurgeWindow — срок, после которого строка кэша удаляется
	// зачисткой. Шире FreshWindow: устаревшая ссылка ещё какое-то
	// время остаётся в хранилище до выселения.
	PurgeWindow = 60 * time.Minute
)

// Service разрешает файловые ссылки через TTL-кэш и хранит вложения.
// Параллельные промахи по одному file_id не склеиваются: каждый идёт
// в шлюз независимо.
type Service struct {
	cache   domain.FileCacheRepo
	store   domain.AttachmentRepo
	gateway domain.MessagingGateway
	log     zerolog.Logger
	now     func() time.Time
}

// NewService создаёт резолвер вложений.
func NewService(cache domain.FileCacheRepo, store domain.AttachmentRepo, gateway domain.MessagingGateway, log zerolog.Logger) *Service {
	return &Service{cache: cache, store: store, gateway: gateway, log: log, now: time.Now}
}

// ResolveURL возвращает скачиваемую ссылку для file_id. Свежее
// попадание в кэш не трогает сеть; отказ шлюза даёт пустую строку и
// ничего не кэширует.
func (s *Service) ResolveURL(fileID string) string {
	if fileID == "" {
		return ""
	}
	cached, found, err := s.cache.GetFreshFile(fileID, s.now().Add(-FreshWindow))
	if err != nil {
		s.log.Warn().Err(err).Str("file_id", fileID).Msg("attachments: ошибка чтения кэша")
	}
	if found {
		metrics.FileCacheLookups.WithLabelValues("hit").Inc()
		return cached.URL
	}
	metrics.FileCacheLookups.WithLabelValues("miss").Inc()

	url, err := s.gateway.ResolveFileLink(fileID)
	if err != nil || url == "" {
		s.log.Debug().Err(err).Str("file_id", fileID).Msg("attachments: шлюз не разрешил ссылку")
		return ""
	}
	if err := s.cache.UpsertFile(fileID, url); err != nil {
		s.log.Warn().Err(err).Str("file_id", fileID).Msg("attachments: не удалось закэшировать ссылку")
	}
	return url
}

// SaveAttachment привязывает медиафайл к записи журнала. Повторная
// вставка того же (file_id, message_uuid) — no-op.
func (s *Service) SaveAttachment(messageUUID string, media domain.Media) error {
	err := s.store.InsertAttachment(domain.Attachment{
		MessageUUID: messageUUID,
		FileID:      media.FileID,
		Name:        media.Name,
		MimeType:    media.MimeType,
		UniqueID:    media.UniqueID,
		Size:        media.Size,
		ThumbFileID: media.ThumbFileID,
	})
	if err != nil {
		return fmt.Errorf("сохранение вложения: %w", err)
	}
	return nil
}

// ListForMessage возвращает вложения записи с разрешёнными ссылками.
func (s *Service) ListForMessage(messageUUID string) ([]domain.Attachment, error) {
	atts, err := s.store.ListAttachments(messageUUID)
	if err != nil {
		return nil, fmt.Errorf("выборка вложений: %w", err)
	}
	for i := range atts {
		atts[i].FileURL = s.ResolveURL(atts[i].FileID)
		if atts[i].ThumbFileID != "" {
			atts[i].ThumbURL = s.ResolveURL(atts[i].ThumbFileID)
		}
	}
	return atts, nil
}

// CountForMessage считает вложения записи.
func (s *Service) CountForMessage(messageUUID string) (int, error) {
	return s.store.CountAttachments(messageUUID)
}

// PurgeStale выселяет строки кэша старше PurgeWindow.
func (s *Service) PurgeStale() {
	deleted, err := s.cache.DeleteFilesBefore(s.now().Add(-PurgeWindow))
	if err != nil {
		s.log.Error().Err(err).Msg("attachments: зачистка кэша не удалась")
		return
	}
	metrics.SweepDeleted.WithLabelValues("file_cache").Add(float64(deleted))
	if deleted > 0 {
		s.log.Info().Int64("rows", deleted).Msg("attachments: кэш ссылок зачищен")
	}
}
