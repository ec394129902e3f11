package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "shopwatch/internal/runtime/supervisor"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

const alertTextLimit = 4000

type telegramPost struct {
	chatID int64
	text   string
	at     time.Time
}

// TelegramBot owns the single long-poll connection. Telegram feeds attach to it by
// chat id, and it doubles as the log alert sink.
type TelegramBot struct {
	log logx.Logger
	bot *tele.Bot
	now func() time.Time

	mu     sync.RWMutex
	routes map[int64]chan<- telegramPost
	owners map[int64]string

	alertChat   atomic.Int64
	alertThread atomic.Int64

	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func NewTelegramBot(token string, pollTimeout time.Duration, log logx.Logger) (*TelegramBot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return nil, err
	}
	h := newTelegramHub(log)
	h.bot = b
	h.registerHandlers()
	return h, nil
}

func newTelegramHub(log logx.Logger) *TelegramBot {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramBot{
		log:    log.Named("telegram"),
		now:    time.Now,
		routes: map[int64]chan<- telegramPost{},
		owners: map[int64]string{},
	}
}

func (h *TelegramBot) registerHandlers() {
	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		h.route(m.Chat.ID, text)
		return nil
	}
	// Shop channels publish as channel posts; groups arrive as plain text.
	h.bot.Handle(tele.OnChannelPost, forward)
	h.bot.Handle(tele.OnEditedChannelPost, forward)
	h.bot.Handle(tele.OnText, forward)
}

// route hands a post to the feed that owns chatID. Posts from unknown chats are ignored.
func (h *TelegramBot) route(chatID int64, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	h.mu.RLock()
	inbox, ok := h.routes[chatID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case inbox <- telegramPost{chatID: chatID, text: text, at: h.now()}:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

func (h *TelegramBot) attach(feed string, chatIDs []int64, inbox chan<- telegramPost) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range chatIDs {
		if owner, ok := h.owners[id]; ok && owner != feed {
			return fmt.Errorf("chat %d already attached to feed %s", id, owner)
		}
	}
	for _, id := range chatIDs {
		h.routes[id] = inbox
		h.owners[id] = feed
	}
	return nil
}

func (h *TelegramBot) detach(feed string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, owner := range h.owners {
		if owner == feed {
			delete(h.owners, id)
			delete(h.routes, id)
		}
	}
}

// SetAlertTarget selects the chat (and optional forum thread) for log alerts.
func (h *TelegramBot) SetAlertTarget(chatID int64, threadID int) {
	h.alertChat.Store(chatID)
	h.alertThread.Store(int64(threadID))
}

// SendAlert implements logx.AlertSink. It must not log through the alerting logger.
func (h *TelegramBot) SendAlert(ctx context.Context, text string) error {
	chat := h.alertChat.Load()
	if chat == 0 || h.bot == nil {
		return errors.New("telegram alert chat not set")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rs := []rune(text); len(rs) > alertTextLimit {
		text = string(rs[:alertTextLimit])
	}
	_, err := h.bot.Send(tele.ChatID(chat), text, &tele.SendOptions{
		ThreadID:              int(h.alertThread.Load()),
		DisableWebPagePreview: true,
	})
	return err
}

// Supervisor returns the poll-loop supervisor (nil if not started).
func (h *TelegramBot) Supervisor() *rtsup.Supervisor {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	return h.sup
}

func (h *TelegramBot) Start(ctx context.Context) {
	h.runMu.Lock()
	if h.running {
		h.runMu.Unlock()
		return
	}
	h.running = true
	h.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(h.log),
		rtsup.WithCancelOnError(false),
	)
	sup := h.sup
	h.runMu.Unlock()

	sup.Go0("telegram.drop_report", func(c context.Context) {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := h.dropped.Swap(0); n > 0 {
					h.log.Warn("channel posts dropped (feed busy)", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		h.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		h.log.Info("polling started")
		h.bot.Start()
		h.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
}

func (h *TelegramBot) Stop(ctx context.Context) error {
	h.runMu.Lock()
	sup := h.sup
	h.sup = nil
	wasRunning := h.running
	h.running = false
	h.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go h.bot.Stop()

	// Long-poll may still be waiting; keep shutdown short.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			h.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		h.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Feed returns a feed reading posts from chatIDs.
func (h *TelegramBot) Feed(name string, chatIDs []int64) *TelegramFeed {
	return &TelegramFeed{
		name:  name,
		chats: append([]int64(nil), chatIDs...),
		hub:   h,
		log:   h.log.With(logx.String("feed", name), logx.String("kind", "telegram")),
	}
}

type TelegramFeed struct {
	name  string
	chats []int64
	hub   *TelegramBot
	log   logx.Logger
}

func (f *TelegramFeed) Name() string { return f.name }

func (f *TelegramFeed) Run(ctx context.Context, sink Sink) error {
	inbox := make(chan telegramPost, 64)
	if err := f.hub.attach(f.name, f.chats, inbox); err != nil {
		return err
	}
	defer f.hub.detach(f.name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case post := <-inbox:
			ev, err := ParseText(post.text, post.at)
			if err != nil {
				f.log.Debug("post ignored", logx.Int64("chat_id", post.chatID), logx.Err(err))
				continue
			}
			if err := deliver(ctx, sink, f.name, []shop.IngestEvent{ev}, f.log); err != nil {
				return err
			}
		}
	}
}
