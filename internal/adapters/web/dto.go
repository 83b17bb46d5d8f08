package web

import (
	"time"

	"tg-audit-bot/internal/domain"
)

type userDTO struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsAdmin   bool   `json:"is_admin"`
	PhotoURL  string `json:"photo_url,omitempty"`
}

type groupDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type attachmentDTO struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	ThumbURL string `json:"thumb_url,omitempty"`
}

type messageDTO struct {
	UUID        string          `json:"uuid"`
	Version     int             `json:"version"`
	GroupID     int64           `json:"group_id"`
	GroupName   string          `json:"group_name"`
	PosterID    string          `json:"poster_id"`
	PosterName  string          `json:"poster_name"`
	MessageID   int64           `json:"message_id"`
	Text        string          `json:"text"`
	ReplyToID   int64           `json:"reply_to_id,omitempty"`
	StickerID   string          `json:"sticker_id,omitempty"`
	StickerURL  string          `json:"sticker_url,omitempty"`
	Activity    string          `json:"activity"`
	Timestamp   time.Time       `json:"timestamp"`
	EditCount   int             `json:"edit_count"`
	FileCount   int             `json:"file_count"`
	Attachments []attachmentDTO `json:"attachments,omitempty"`
}

func mapUsers(users []domain.User) []userDTO {
	out := make([]userDTO, 0, len(users))
	for _, u := range users {
		out = append(out, userDTO{
			ID:        u.ID,
			Username:  u.Username,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			IsAdmin:   u.IsAdmin,
			PhotoURL:  u.PhotoURL,
		})
	}
	return out
}

func mapEntry(e domain.AuditEntry) messageDTO {
	dto := messageDTO{
		UUID:       e.UUID,
		Version:    e.Version,
		GroupID:    e.GroupID,
		GroupName:  e.GroupName,
		PosterID:   e.PosterID,
		PosterName: e.PosterName,
		MessageID:  e.MessageID,
		Text:       e.Text,
		ReplyToID:  e.ReplyToID,
		StickerID:  e.StickerID,
		StickerURL: e.StickerURL,
		Activity:   string(e.Activity),
		Timestamp:  e.Timestamp,
		EditCount:  e.EditCount,
		FileCount:  e.FileCount,
	}
	for _, att := range e.Attachments {
		dto.Attachments = append(dto.Attachments, attachmentDTO{
			FileID:   att.FileID,
			Name:     att.Name,
			MimeType: att.MimeType,
			Size:     att.Size,
			FileURL:  att.FileURL,
			ThumbURL: att.ThumbURL,
		})
	}
	return dto
}
