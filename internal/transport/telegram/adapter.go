// Package telegram implements transport.Adapter on top of telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "cinebot/internal/transport"
	rtsup "cinebot/internal/runtime/supervisor"
	logx "cinebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // chan<- kit.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// Updates dropped because the consumer fell behind the poll loop.
	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.emit(kit.Update{Kind: kit.UpdateMessage, Message: toMessage(m)})
		return nil
	})
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || cb.Sender == nil {
			return nil
		}
		up := &kit.Callback{ID: cb.ID, From: toUser(cb.Sender), Data: cb.Data}
		if m := cb.Message; m != nil && m.Chat != nil {
			up.ChatID = m.Chat.ID
			up.MessageID = m.ID
		}
		a.emit(kit.Update{Kind: kit.UpdateCallback, Callback: up})
		return nil
	})
}

func toUser(u *tele.User) kit.User {
	return kit.User{ID: u.ID, Username: u.Username, FirstName: u.FirstName}
}

func toMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{ID: m.ID, From: toUser(m.Sender), Text: m.Text}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.IsGroup = m.Chat.Type != tele.ChatPrivate
	}
	if m.ReplyTo != nil {
		out.ReplyTo = toPayload(m.ReplyTo)
	}
	return out
}

// toPayload extracts re-sendable content from an existing message. Formatting
// entities are rendered as HTML and the inline keyboard is carried over, so a
// copy looks like the original.
func toPayload(m *tele.Message) *kit.Payload {
	var p *kit.Payload
	switch {
	case m.Photo != nil:
		p = &kit.Payload{Kind: kit.KindPhoto, Media: m.Photo.FileID}
	case m.Video != nil:
		p = &kit.Payload{Kind: kit.KindVideo, Media: m.Video.FileID}
	case m.Document != nil:
		p = &kit.Payload{Kind: kit.KindDocument, Media: m.Document.FileID}
	case strings.TrimSpace(m.Text) != "":
		p = &kit.Payload{Kind: kit.KindText, Text: m.Text}
		if len(m.Entities) > 0 {
			p.Text = entitiesToHTML(m.Text, m.Entities)
			p.ParseMode = string(tele.ModeHTML)
		}
	default:
		return nil
	}
	if p.Kind != kit.KindText {
		p.Caption = m.Caption
		if len(m.CaptionEntities) > 0 {
			p.Caption = entitiesToHTML(m.Caption, m.CaptionEntities)
			p.ParseMode = string(tele.ModeHTML)
		}
	}
	if m.ReplyMarkup != nil {
		p.Keyboard = keyboardOf(m.ReplyMarkup.InlineKeyboard)
	}
	return p
}

// keyboardOf keeps URL and callback buttons. Other kinds (login, pay, switch
// inline) cannot be re-sent by the bot.
func keyboardOf(rows [][]tele.InlineButton) kit.Keyboard {
	var kb kit.Keyboard
	for _, row := range rows {
		var out []kit.Button
		for _, b := range row {
			if b.URL == "" && b.Data == "" {
				continue
			}
			out = append(out, kit.Button{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		if len(out) > 0 {
			kb = append(kb, out)
		}
	}
	return kb
}

func (a *Adapter) emit(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it ever returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// ---- Gateway ----

func (a *Adapter) Send(ctx context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, kit.TransientError(err)
	}
	chat := &tele.Chat{ID: to.ChatID}
	opt := sendOptions(p.ParseMode, p.DisablePreview, p.Keyboard)

	var what any
	switch p.Kind {
	case kit.KindPhoto:
		what = &tele.Photo{File: fileRef(p.Media), Caption: p.Caption}
	case kit.KindVideo:
		what = &tele.Video{File: fileRef(p.Media), Caption: p.Caption}
	case kit.KindDocument:
		what = &tele.Document{File: fileRef(p.Media), Caption: p.Caption}
	default:
		return a.sendText(ctx, chat, p.Text, opt)
	}
	msg, err := a.bot.Send(chat, what, opt)
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

// sendText splits long text; the keyboard rides on the first chunk.
func (a *Adapter) sendText(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) (kit.MessageRef, error) {
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, string(opt.ParseMode)) {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return first, kit.TransientError(err)
			}
			opt = &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisableWebPagePreview}
		}
		msg, err := a.bot.Send(chat, chunk, opt)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: chat.ID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return kit.TransientError(err)
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	chunks := splitText(text, textLimit, opt.ParseMode)
	if _, err := a.bot.Edit(m, chunks[0], sendOptions(opt.ParseMode, opt.DisablePreview, opt.Keyboard)); err != nil {
		if errors.Is(err, tele.ErrSameMessageContent) || errors.Is(err, tele.ErrMessageNotModified) {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, ref kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return kit.TransientError(err)
	}
	return classify(a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}))
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	if err := ctx.Err(); err != nil {
		return kit.TransientError(err)
	}
	return classify(a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text, ShowAlert: alert}))
}

func fileRef(media string) tele.File {
	if strings.HasPrefix(media, "http://") || strings.HasPrefix(media, "https://") {
		return tele.FromURL(media)
	}
	return tele.File{FileID: media}
}

func sendOptions(parseMode string, disablePreview bool, kb kit.Keyboard) *tele.SendOptions {
	opt := &tele.SendOptions{ParseMode: tele.ParseMode(parseMode), DisableWebPagePreview: disablePreview}
	if rm := markup(kb); rm != nil {
		opt.ReplyMarkup = rm
	}
	return opt
}

func markup(kb kit.Keyboard) *tele.ReplyMarkup {
	if len(kb) == 0 {
		return nil
	}
	rows := make([][]tele.InlineButton, 0, len(kb))
	for _, row := range kb {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		if len(btns) > 0 {
			rows = append(rows, btns)
		}
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}
