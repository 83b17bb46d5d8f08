package telegram

import (
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/infra/metrics"
)

// Gateway реализует domain.MessagingGateway поверх Bot API.
type Gateway struct {
	bot *tgbotapi.BotAPI
}

var _ domain.MessagingGateway = (*Gateway)(nil)

// NewGateway создаёт шлюз.
func NewGateway(bot *tgbotapi.BotAPI) *Gateway {
	return &Gateway{bot: bot}
}

// ResolveFileLink возвращает скачиваемую ссылку для file_id.
func (g *Gateway) ResolveFileLink(fileID string) (string, error) {
	start := time.Now()
	url, err := g.bot.GetFileDirectURL(fileID)
	metrics.ObserveNetworkRequest("telegram", "get_file_link", "bot_api", start, err)
	return url, err
}

// ListAdmins возвращает внешние идентификаторы администраторов группы.
func (g *Gateway) ListAdmins(groupID int64) ([]int64, error) {
	start := time.Now()
	members, err := g.bot.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: groupID},
	})
	metrics.ObserveNetworkRequest("telegram", "get_chat_administrators", "bot_api", start, err)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if m.User != nil {
			ids = append(ids, m.User.ID)
		}
	}
	return ids, nil
}

// SendMessage отправляет текст и возвращает идентификатор сообщения.
func (g *Gateway) SendMessage(chatID int64, text string) (int, error) {
	start := time.Now()
	sent, err := g.bot.Send(tgbotapi.NewMessage(chatID, text))
	metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// DeleteMessage удаляет сообщение. Вызывающие стороны трактуют ошибку
// как best-effort.
func (g *Gateway) DeleteMessage(chatID int64, messageID int) error {
	start := time.Now()
	_, err := g.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	metrics.ObserveNetworkRequest("telegram", "delete_message", "bot_api", start, err)
	return err
}
