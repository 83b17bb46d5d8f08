package telegram

import (
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-audit-bot/internal/domain"
	"tg-audit-bot/internal/usecase/auditlog"
	"tg-audit-bot/internal/usecase/auth"
)

// Handler разбирает входящие апдейты: команды — в диспетчер, остальное —
// в журнал.
type Handler struct {
	gateway   domain.MessagingGateway
	log       zerolog.Logger
	audit     *auditlog.Service
	auth      *auth.Service
	serverURL string
}

// NewHandler создаёт обработчик апдейтов.
func NewHandler(gateway domain.MessagingGateway, log zerolog.Logger, audit *auditlog.Service, auth *auth.Service, serverURL string) *Handler {
	return &Handler{gateway: gateway, log: log, audit: audit, auth: auth, serverURL: strings.TrimRight(serverURL, "/")}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		h.handleMessage(upd.Message)
	case upd.EditedMessage != nil:
		h.handleEdited(upd.EditedMessage)
	}
}

func (h *Handler) handleMessage(msg *tgbotapi.Message) {
	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		h.dispatchCommand(msg)
		return
	}
	event := MapMessage(msg)
	if !auditlog.ShouldCapture(event) {
		return
	}
	if err := h.audit.CapturePost(event); err != nil {
		h.log.Error().Err(err).Int("message_id", msg.MessageID).Msg("bot: не удалось записать пост")
	}
}

func (h *Handler) handleEdited(msg *tgbotapi.Message) {
	event := MapMessage(msg)
	if !auditlog.ShouldCapture(event) || event.Chat == nil {
		return
	}
	if err := h.audit.CaptureEdit(event); err != nil {
		h.log.Error().Err(err).Int("message_id", msg.MessageID).Msg("bot: не удалось записать правку")
	}
}

// dispatchCommand выполняет команду. Ошибки обработчика гасятся и
// превращаются в общий ответ: цикл событий не должен падать.
func (h *Handler) dispatchCommand(msg *tgbotapi.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("command", msg.Text).Msg("bot: обработчик команды упал")
			h.reply(msg.Chat.ID, "Произошла ошибка при выполнении команды.")
		}
	}()

	args := strings.Fields(strings.ToLower(strings.TrimSpace(msg.Text)))
	cmd := strings.TrimPrefix(args[0], "/")
	if at := strings.IndexByte(cmd, '@'); at != -1 {
		cmd = cmd[:at]
	}

	var err error
	switch cmd {
	case "start", "help":
		h.reply(msg.Chat.ID, "Бот ведёт журнал активности группы. /login — ссылка для входа в веб-просмотр.")
	case "login":
		err = h.handleLogin(msg)
	default:
		// неизвестные команды игнорируем: это может быть команда другого бота
	}
	if err != nil {
		h.log.Warn().Err(err).Str("command", cmd).Msg("bot: команда завершилась ошибкой")
		h.reply(msg.Chat.ID, commandErrorText(err))
	}
}

func commandErrorText(err error) string {
	switch {
	case errors.Is(err, auth.ErrPrivateOnly):
		return "Запросите ссылку в личном чате с ботом."
	case errors.Is(err, auth.ErrNotAdmin):
		return "Ссылка доступна только администраторам известных групп."
	case errors.Is(err, auth.ErrMethodDisabled):
		return "Вход по ссылке отключён."
	default:
		return "Произошла ошибка при выполнении команды."
	}
}

// handleLogin выпускает одноразовую ссылку входа и привязывает
// анонсирующее сообщение к токену для последующей зачистки.
func (h *Handler) handleLogin(msg *tgbotapi.Message) error {
	event := MapMessage(msg)
	token, err := h.auth.IssueLinkToken(event.Poster, event.Chat)
	if err != nil {
		return err
	}
	link := fmt.Sprintf("%s/api/auth/token?token=%s", h.serverURL, token)
	messageID, err := h.gateway.SendMessage(msg.Chat.ID, "Одноразовая ссылка для входа (действует час): "+link)
	if err != nil {
		h.log.Warn().Err(err).Msg("bot: не удалось отправить ссылку входа")
		return nil
	}
	if err := h.auth.AttachAnnouncement(token, msg.Chat.ID, messageID); err != nil {
		h.log.Warn().Err(err).Msg("bot: не удалось привязать анонс к токену")
	}
	return nil
}

func (h *Handler) reply(chatID int64, text string) {
	if _, err := h.gateway.SendMessage(chatID, text); err != nil {
		h.log.Warn().Err(err).Int64("chat", chatID).Msg("bot: не удалось ответить")
	}
}
