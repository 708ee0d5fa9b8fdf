package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mognev/recipebot/config"
	"github.com/mognev/recipebot/pipeline"
	"github.com/mognev/recipebot/platform"
	"github.com/mognev/recipebot/recipe"
	"github.com/mognev/recipebot/store"
	"github.com/mognev/recipebot/telegram"
)

// Update offset confirmed to Telegram, persisted so a restart does not
// replay already-answered messages.
const offsetKey = "telegram_update_offset"

// handlePipeline is swapped in tests.
var handlePipeline = pipeline.Handle

type bot struct {
	tg    *telegram.Client
	st    store.Store
	cfg   *config.Config
	slots chan struct{}
}

// StartBot runs the Telegram long-poll loop until ctx is done. Each link is
// handled on its own goroutine behind a bounded worker pool, so one slow
// download never stalls polling or unrelated users.
func StartBot(ctx context.Context, st store.Store, cfg *config.Config) {
	if cfg.TelegramToken == "" {
		slog.Info("TELEGRAM_BOT_TOKEN empty; bot disabled", slog.String("component", "chat"))
		return
	}
	tg := telegram.NewClient(cfg.TelegramToken)
	if cfg.TelegramBaseURL != "" {
		tg.BaseURL = cfg.TelegramBaseURL
	}
	workers := cfg.ChatWorkers
	if workers <= 0 {
		workers = 4
	}
	b := &bot{tg: tg, st: st, cfg: cfg, slots: make(chan struct{}, workers)}
	b.run(ctx)
}

func (b *bot) run(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "chat"))
	me, err := b.tg.GetMe(ctx)
	if err != nil {
		logger.Error("getMe failed; bot not started", slog.Any("err", err))
		return
	}
	logger.Info("bot started", slog.String("username", me.Username), slog.Int("workers", cap(b.slots)))

	offset := b.loadOffset(ctx)
	for {
		if ctx.Err() != nil {
			logger.Info("bot stopped")
			return
		}
		updates, err := b.tg.GetUpdates(ctx, offset, b.cfg.PollTimeoutSecs)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("bot stopped")
				return
			}
			wait := 2 * time.Second
			var ae *telegram.APIError
			if errors.As(err, &ae) && ae.RetryAfter > 0 {
				wait = time.Duration(ae.RetryAfter) * time.Second
			}
			logger.Warn("poll failed", slog.Any("err", err), slog.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.From == nil {
				continue
			}
			b.dispatch(ctx, u.Message)
		}
		if len(updates) > 0 {
			b.saveOffset(ctx, offset)
		}
	}
}

func (b *bot) dispatch(ctx context.Context, msg *telegram.Message) {
	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "":
		return
	case strings.HasPrefix(text, "/"):
		b.command(ctx, msg, text)
	default:
		go b.processLink(ctx, msg, text)
	}
}

func (b *bot) command(ctx context.Context, msg *telegram.Message, text string) {
	cmd := text
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start":
		b.send(ctx, msg.Chat.ID, welcomeText(b.cfg.FreeLimit), true)
	case "/usage":
		used, bonus, err := b.st.Usage(ctx, msg.From.ID)
		if err != nil {
			slog.Warn("usage lookup failed", slog.Any("err", err), slog.Int64("user_id", msg.From.ID), slog.String("component", "chat"))
			b.send(ctx, msg.Chat.ID, msgInternal, false)
			return
		}
		b.send(ctx, msg.Chat.ID, usageText(used, bonus, b.cfg.FreeLimit), false)
	default:
		b.send(ctx, msg.Chat.ID, msgSendLink, false)
	}
}

// processLink takes a worker slot, then runs the full pipeline for one
// submitted link and reports the outcome back into the chat.
func (b *bot) processLink(ctx context.Context, msg *telegram.Message, text string) {
	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
	case <-ctx.Done():
		return
	}

	logger := slog.Default().With(
		slog.String("component", "chat"),
		slog.Int64("user_id", msg.From.ID),
		slog.Int64("chat_id", msg.Chat.ID),
	)

	// Reject obvious non-links before touching the journal. The pipeline
	// classifies again; Classify is pure so the double call costs nothing.
	if _, err := platform.Classify(text); err != nil {
		b.send(ctx, msg.Chat.ID, b.failureText(err), false)
		return
	}

	b.send(ctx, msg.Chat.ID, msgFetching, false)
	if err := b.tg.SendChatAction(ctx, msg.Chat.ID, "typing"); err != nil {
		logger.Debug("chat action failed", slog.Any("err", err))
	}

	req := pipeline.Request{ID: uuid.NewString(), UserID: msg.From.ID, ChatID: msg.Chat.ID, URL: text}
	logger.Info("link accepted", slog.String("request_id", req.ID))
	if err := handlePipeline(ctx, b.st, req, b.deliver(msg.Chat.ID, text)); err != nil {
		b.send(ctx, msg.Chat.ID, b.failureText(err), false)
	}
}

// deliver streams the video back and threads the recipe text under it,
// while the media file still exists.
func (b *bot) deliver(chatID int64, url string) pipeline.DeliverFunc {
	return func(ctx context.Context, res *pipeline.Response) error {
		if err := b.tg.SendChatAction(ctx, chatID, "upload_video"); err != nil {
			slog.Debug("chat action failed", slog.Any("err", err), slog.String("component", "chat"))
		}
		vmsg, err := b.tg.SendVideo(ctx, chatID, res.Media.Path, "")
		if err != nil {
			return fmt.Errorf("send video: %w", err)
		}
		return b.tg.SendReply(ctx, chatID, vmsg.MessageID, recipe.FormatMessage(res.Recipe, url), true)
	}
}

func (b *bot) send(ctx context.Context, chatID int64, text string, markdown bool) {
	if err := b.tg.SendMessage(ctx, chatID, text, markdown); err != nil {
		slog.Warn("send failed", slog.Any("err", err), slog.Int64("chat_id", chatID), slog.String("component", "chat"))
	}
}

func (b *bot) loadOffset(ctx context.Context) int64 {
	v, err := b.st.GetKV(ctx, offsetKey)
	if err != nil || v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (b *bot) saveOffset(ctx context.Context, offset int64) {
	if err := b.st.SetKV(ctx, offsetKey, strconv.FormatInt(offset, 10)); err != nil {
		slog.Warn("failed to persist update offset", slog.Any("err", err), slog.String("component", "chat"))
	}
}
