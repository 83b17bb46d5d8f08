package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-audit-bot/internal/domain"
)

// MapMessage приводит сообщение Bot API к доменному событию.
func MapMessage(msg *tgbotapi.Message) *domain.InboundMessage {
	if msg == nil {
		return nil
	}
	out := &domain.InboundMessage{
		MessageID: int64(msg.MessageID),
		Text:      msg.Text,
	}
	if out.Text == "" {
		out.Text = msg.Caption
	}
	if msg.From != nil {
		out.Poster = &domain.InboundUser{
			ID:        msg.From.ID,
			Username:  msg.From.UserName,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
		}
	}
	if msg.Chat != nil {
		out.Chat = &domain.InboundChat{
			ID:      msg.Chat.ID,
			Title:   msg.Chat.Title,
			Private: msg.Chat.IsPrivate(),
		}
	}
	if msg.ReplyToMessage != nil {
		out.ReplyToID = int64(msg.ReplyToMessage.MessageID)
	}
	if msg.Sticker != nil {
		out.StickerID = msg.Sticker.FileID
	}

	if msg.Voice != nil {
		out.Files = append(out.Files, domain.Media{
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			UniqueID: msg.Voice.FileUniqueID,
			Size:     int64(msg.Voice.FileSize),
		})
	}
	if msg.Video != nil {
		out.Files = append(out.Files, domain.Media{
			FileID:      msg.Video.FileID,
			Name:        msg.Video.FileName,
			MimeType:    msg.Video.MimeType,
			UniqueID:    msg.Video.FileUniqueID,
			Size:        int64(msg.Video.FileSize),
			ThumbFileID: thumbID(msg.Video.Thumbnail),
		})
	}
	if msg.Document != nil {
		out.Files = append(out.Files, domain.Media{
			FileID:      msg.Document.FileID,
			Name:        msg.Document.FileName,
			MimeType:    msg.Document.MimeType,
			UniqueID:    msg.Document.FileUniqueID,
			Size:        int64(msg.Document.FileSize),
			ThumbFileID: thumbID(msg.Document.Thumbnail),
		})
	}
	if msg.Audio != nil {
		out.Files = append(out.Files, domain.Media{
			FileID:      msg.Audio.FileID,
			Name:        msg.Audio.FileName,
			MimeType:    msg.Audio.MimeType,
			UniqueID:    msg.Audio.FileUniqueID,
			Size:        int64(msg.Audio.FileSize),
			ThumbFileID: thumbID(msg.Audio.Thumbnail),
		})
	}
	for _, variant := range msg.Photo {
		out.Photos = append(out.Photos, domain.Media{
			FileID:   variant.FileID,
			MimeType: "image/jpeg",
			UniqueID: variant.FileUniqueID,
			Size:     int64(variant.FileSize),
		})
	}
	return out
}

func thumbID(thumb *tgbotapi.PhotoSize) string {
	if thumb == nil {
		return ""
	}
	return thumb.FileID
}
