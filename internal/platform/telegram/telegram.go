// Package telegram connects the engine to the Telegram Bot API using long
// polling via telego.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/platform"
)

// telegramMaxMessageChars is the Bot API limit per sendMessage call.
const telegramMaxMessageChars = 4096

// Adapter implements platform.Adapter for Telegram.
type Adapter struct {
	bot        *telego.Bot
	cfg        config.TelegramConfig
	handler    platform.Handler
	logger     *slog.Logger
	limiter    *rate.Limiter
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter. The handler receives every normalized
// update from the poll loop.
func New(cfg config.TelegramConfig, handler platform.Handler, logger *slog.Logger) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 20
	}
	return &Adapter{
		bot:     bot,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "edited_message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	a.logger.Info("telegram adapter connected")

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("telegram updates channel closed")
					return
				}
				a.dispatch(pollCtx, update)
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the loop to exit so Telegram releases
// the getUpdates lock before a new instance starts.
func (a *Adapter) Stop(_ context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			a.logger.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) dispatch(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		if isServiceMessage(update.Message) {
			ev := a.messageEvent(platform.EventSystem, update.Message)
			ev.Text = serviceText(update.Message)
			a.handler(ctx, ev)
			return
		}
		a.handler(ctx, a.messageEvent(platform.EventMessage, update.Message))
	case update.EditedMessage != nil:
		a.handler(ctx, a.messageEvent(platform.EventEdited, update.EditedMessage))
	case update.CallbackQuery != nil:
		a.handler(ctx, a.callbackEvent(update.CallbackQuery))
	}
}

func (a *Adapter) messageEvent(kind platform.EventKind, msg *telego.Message) platform.Event {
	raw, _ := json.Marshal(msg)
	ev := platform.Event{
		Kind:        kind,
		Platform:    "telegram",
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		ChatType:    msg.Chat.Type,
		ChatTitle:   chatTitle(msg.Chat),
		MessageID:   strconv.Itoa(msg.MessageID),
		Text:        messageText(msg),
		Raw:         raw,
		ReceivedAt:  time.Unix(msg.Date, 0).UTC(),
		Attachments: extractAttachments(msg),
	}
	if msg.From != nil {
		ev.AuthorID = strconv.FormatInt(msg.From.ID, 10)
	}
	return ev
}

func (a *Adapter) callbackEvent(q *telego.CallbackQuery) platform.Event {
	raw, _ := json.Marshal(q)
	ev := platform.Event{
		Kind:         platform.EventCallback,
		Platform:     "telegram",
		AuthorID:     strconv.FormatInt(q.From.ID, 10),
		CallbackID:   q.ID,
		CallbackData: q.Data,
		Raw:          raw,
		ReceivedAt:   time.Now().UTC(),
	}
	if msg := q.Message; msg != nil {
		ev.ChatID = strconv.FormatInt(msg.GetChat().ID, 10)
		ev.MessageID = strconv.Itoa(msg.GetMessageID())
	}
	return ev
}

// SendText delivers text, chunked at the Bot API limit. Returns the id of
// the last sent message.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	var lastID string
	for _, chunk := range platform.ChunkText(text, telegramMaxMessageChars) {
		if err := a.limiter.Wait(ctx); err != nil {
			return lastID, err
		}
		sent, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(id), chunk))
		if err != nil {
			return lastID, fmt.Errorf("telegram send: %w", err)
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

// SendApproval posts the proposal with inline confirm/reject buttons whose
// callback data carries the approval reference. approvalRef is either a bare
// id (job approvals) or "<kind>:<id>"; buttons carry "<kind>:yes:<id>".
func (a *Adapter) SendApproval(ctx context.Context, chatID, text, approvalRef string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	kind, refID, ok := strings.Cut(approvalRef, ":")
	if !ok {
		kind, refID = "approval", approvalRef
	}
	msg := tu.Message(tu.ID(id), text)
	msg.ReplyMarkup = tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Approve").WithCallbackData(kind+":yes:"+refID),
			tu.InlineKeyboardButton("Reject").WithCallbackData(kind+":no:"+refID),
		),
	)
	sent, err := a.bot.SendMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("telegram send approval: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Annotate edits a sent message, dropping any inline keyboard. Used to mark
// approval controls resolved.
func (a *Adapter) Annotate(ctx context.Context, chatID, messageID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram annotate: bad message id %q", messageID)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram annotate: %w", err)
	}
	return nil
}

// AckCallback answers a callback query so the client stops its spinner.
func (a *Adapter) AckCallback(ctx context.Context, callbackID, text string) error {
	err := a.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("telegram ack callback: %w", err)
	}
	return nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q", chatID)
	}
	return id, nil
}

func chatTitle(chat telego.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if chat.Username != "" {
		return chat.Username
	}
	return chat.FirstName
}

func messageText(msg *telego.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// extractAttachments maps Telegram media to normalized attachments. Photos
// take the highest resolution variant.
func extractAttachments(msg *telego.Message) []platform.Attachment {
	var out []platform.Attachment

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		out = append(out, platform.Attachment{
			Type:     "photo",
			FileID:   photo.FileID,
			MimeType: "image/jpeg",
			Size:     int64(photo.FileSize),
		})
	}
	if msg.Voice != nil {
		out = append(out, platform.Attachment{
			Type:     "voice",
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			Size:     int64(msg.Voice.FileSize),
		})
	}
	if msg.Audio != nil {
		out = append(out, platform.Attachment{
			Type:     "voice",
			FileID:   msg.Audio.FileID,
			FileName: msg.Audio.FileName,
			MimeType: msg.Audio.MimeType,
			Size:     int64(msg.Audio.FileSize),
		})
	}
	if msg.Document != nil {
		out = append(out, platform.Attachment{
			Type:     "document",
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
		})
	}
	return out
}

// isServiceMessage matches member-change and title-change updates that have
// no conversational content. They flow through as system events.
func isServiceMessage(msg *telego.Message) bool {
	return len(msg.NewChatMembers) > 0 ||
		msg.LeftChatMember != nil ||
		msg.NewChatTitle != "" ||
		msg.PinnedMessage != nil ||
		msg.GroupChatCreated ||
		msg.SupergroupChatCreated
}

// serviceText renders a service message as one line of system history.
func serviceText(msg *telego.Message) string {
	switch {
	case len(msg.NewChatMembers) > 0:
		names := make([]string, 0, len(msg.NewChatMembers))
		for _, u := range msg.NewChatMembers {
			names = append(names, userLabel(&u))
		}
		return "joined: " + strings.Join(names, ", ")
	case msg.LeftChatMember != nil:
		return "left: " + userLabel(msg.LeftChatMember)
	case msg.NewChatTitle != "":
		return "chat renamed to " + strconv.Quote(msg.NewChatTitle)
	case msg.PinnedMessage != nil:
		return "message pinned"
	case msg.GroupChatCreated, msg.SupergroupChatCreated:
		return "chat created"
	default:
		return "service event"
	}
}

func userLabel(u *telego.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return strconv.FormatInt(u.ID, 10)
}
