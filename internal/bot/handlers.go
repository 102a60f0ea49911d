package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cinebot/internal/backend"
	"cinebot/internal/broadcast"
	"cinebot/internal/directory"
	"cinebot/internal/session"
	"cinebot/internal/transport"
	"cinebot/pkg/tgui"
	logx "cinebot/pkg/logx"
)

const (
	msgStart        = "Hello! Send me a movie or TV show name and I’ll find it for you."
	msgUnauthorized = "🚫 You are not authorized to use this command."
	msgNotConnected = "🚫 The bot is currently not connected to the site. Please try again later."
	msgLoading      = "<b>AI is finding your result...</b>"
	msgSearchError  = "⚠️ Error while searching. Please try again later."
	msgNoResults    = "😕 No matching results found."
	msgNoSession    = "No search data found."
	msgNoMore       = "No more results."
	msgInvalid      = "Invalid action."
	msgUnknown      = "Unknown command. Send a movie or TV show name to search."
	msgBusy         = "⏳ Busy, please try again in a moment."

	msgBroadcastUsage = "Reply to a message with /broadcast, or send <code>/broadcast your text</code>."
	msgNoRecipients   = "No recipients."
)

type command struct {
	Description string
	OwnerOnly   bool
	Handle      HandlerFunc
}

var commandNames = map[string]struct{}{
	"start": {}, "api": {}, "broadcast": {}, "broadcast_cancel": {}, "stats": {},
}

func (b *Bot) commands() map[string]command {
	return map[string]command{
		"start":            {Description: "greeting", Handle: b.handleStart},
		"api":              {Description: "check the site connection now", OwnerOnly: true, Handle: b.handleAPI},
		"broadcast":        {Description: "send a message to every user", OwnerOnly: true, Handle: b.handleBroadcast},
		"broadcast_cancel": {Description: "stop the running broadcast", OwnerOnly: true, Handle: b.handleBroadcastCancel},
		"stats":            {Description: "show bot statistics", OwnerOnly: true, Handle: b.handleStats},
	}
}

func (b *Bot) ownerOnly(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if b.isOwner(req.From.ID) {
			return next(ctx, req)
		}
		req.Log.Warn("unauthorized command")
		_, _ = b.reply(ctx, req, msgUnauthorized)
		b.notifyOperator(ctx, fmt.Sprintf("⚠️ Unauthorized attempt to use /%s command by %s (ID: %d).",
			tgui.Esc(req.Route), tgui.Esc(req.From.DisplayName()), req.From.ID))
		return nil
	}
}

func (b *Bot) handleStart(ctx context.Context, req *Request) error {
	_, err := b.reply(ctx, req, msgStart)
	return err
}

func (b *Bot) handleUnknown(ctx context.Context, req *Request) error {
	_, err := b.reply(ctx, req, msgUnknown)
	return err
}

// handleAPI probes the backend now. The probe runs off the worker; concurrent
// /api calls share it.
func (b *Bot) handleAPI(ctx context.Context, req *Request) error {
	var ok bool
	select {
	case ok = <-b.prober.Trigger(b.bg.Context()):
	case <-ctx.Done():
		return ctx.Err()
	}
	status := "❌ Not Connected"
	if ok {
		status = "✅ Connected"
	}
	_, err := b.reply(ctx, req, "🔍 Site connection status: "+status)
	return err
}

func (b *Bot) handleSearch(ctx context.Context, req *Request) error {
	if !b.prober.Status().Connected() {
		_, err := b.reply(ctx, req, msgNotConnected)
		return err
	}
	query := req.Args
	username := strings.TrimPrefix(req.From.DisplayName(), "@")

	b.notifyOperator(ctx, fmt.Sprintf("🧐 User <code>%s</code> searched for: %s", tgui.Esc(username), tgui.Code(tgui.TruncRunes(query, maxReportedQuery))))
	b.logSearch(req, backend.SearchLog{UserID: req.From.ID, Username: username, Query: query})

	loading, err := b.reply(ctx, req, msgLoading)
	if err != nil {
		return err
	}

	results, err := b.catalog.Search(ctx, query)
	if err != nil {
		req.Log.Error("catalog search failed", logx.String("query", query), logx.Err(err))
		b.editText(ctx, req, loading, msgSearchError)
		return nil
	}
	if len(results) == 0 {
		b.editText(ctx, req, loading, msgNoResults)
		return nil
	}

	ids := make([]int64, len(results))
	kinds := make([]session.Kind, len(results))
	for i, r := range results {
		ids[i], kinds[i] = r.ID, session.Kind(r.Kind)
	}
	if err := b.sessions.Create(req.From.ID, ids, kinds); err != nil {
		b.editText(ctx, req, loading, msgSearchError)
		return err
	}
	page, err := b.sessions.Current(req.From.ID)
	if err != nil {
		b.editText(ctx, req, loading, msgSearchError)
		return err
	}
	req.Log.Info("search served", logx.String("query", query), logx.Int("results", len(results)))
	return b.render(ctx, req, page, loading)
}

// logSearch reports the query to the backend without delaying the reply.
func (b *Bot) logSearch(req *Request, entry backend.SearchLog) {
	if b.searchLog == nil {
		return
	}
	b.bg.Go0("search.log", func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := b.searchLog.LogSearch(cctx, entry); err != nil {
			req.Log.Warn("search log failed", logx.Err(err))
		}
	})
}

func (b *Bot) editText(ctx context.Context, req *Request, ref transport.MessageRef, text string) {
	if err := b.gw.EditText(ctx, ref, text, &transport.SendOptions{ParseMode: "HTML"}); err != nil {
		req.Log.Warn("edit failed", logx.Int("message_id", ref.MessageID), logx.Err(err))
	}
}

func (b *Bot) handleCallback(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	size := b.sessions.PageSize()

	var delta int
	scope, action, _, ok := tgui.ParseData(cb.Data)
	switch {
	case ok && scope == navScope && action == "next":
		delta = size
	case ok && scope == navScope && action == "prev":
		delta = -size
	default:
		return b.gw.AnswerCallback(ctx, cb.ID, msgInvalid, true)
	}

	offset, err := b.sessions.Advance(req.From.ID, delta)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return b.gw.AnswerCallback(ctx, cb.ID, msgNoSession, true)
	case errors.Is(err, session.ErrOutOfRange):
		return b.gw.AnswerCallback(ctx, cb.ID, msgNoMore, true)
	case err != nil:
		return err
	}
	page, err := b.sessions.Page(req.From.ID, offset)
	if err != nil {
		return b.gw.AnswerCallback(ctx, cb.ID, msgNoSession, true)
	}
	if err := b.gw.AnswerCallback(ctx, cb.ID, "", false); err != nil {
		req.Log.Debug("answer callback failed", logx.Err(err))
	}
	return b.render(ctx, req, page, transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID})
}

// broadcastPayload picks the replied-to message, or the inline text.
func broadcastPayload(req *Request) (transport.Payload, bool) {
	if m := req.Update.Message; m != nil && m.ReplyTo != nil && !m.ReplyTo.Empty() {
		return *m.ReplyTo, true
	}
	if req.Args != "" {
		return transport.Payload{Kind: transport.KindText, Text: req.Args}, true
	}
	return transport.Payload{}, false
}

func (b *Bot) handleBroadcast(ctx context.Context, req *Request) error {
	payload, ok := broadcastPayload(req)
	if !ok {
		_, err := b.reply(ctx, req, msgBroadcastUsage)
		return err
	}
	if job, running := b.engine.Active(); running {
		_, err := b.reply(ctx, req, fmt.Sprintf("A broadcast is already running (job <code>%s</code>). Use /broadcast_cancel to stop it.", tgui.Esc(job.ID)))
		return err
	}

	count, err := b.store.Count(ctx)
	if err != nil {
		_, _ = b.reply(ctx, req, "⚠️ Recipient directory unavailable: "+string(tgui.Esc(err.Error())))
		return fmt.Errorf("count recipients: %w", err)
	}
	if count == 0 {
		_, err := b.reply(ctx, req, msgNoRecipients)
		return err
	}

	job := b.engine.NewJob(req.From.ID, directory.NameOf(req.From.Username, req.From.FirstName), payload, count)
	status, err := b.reply(ctx, req, fmt.Sprintf("📣 Broadcast started to %d recipients.", count))
	if err != nil {
		return err
	}
	rep := &statusReporter{gw: b.gw, ref: status, log: req.Log}

	b.bg.Go0("broadcast."+job.ID, func(ctx context.Context) {
		_, err := b.engine.Run(ctx, job, b.store.Scan(ctx), rep)
		if errors.Is(err, broadcast.ErrBusy) || errors.Is(err, broadcast.ErrEmptyPayload) {
			rep.edit(context.WithoutCancel(ctx), "⚠️ "+string(tgui.Esc(err.Error())))
		}
	})
	return nil
}

func (b *Bot) handleBroadcastCancel(ctx context.Context, req *Request) error {
	text := "No broadcast is running."
	if b.engine.Cancel() {
		text = "🛑 Cancelling broadcast…"
	}
	_, err := b.reply(ctx, req, text)
	return err
}

func (b *Bot) handleStats(ctx context.Context, req *Request) error {
	var sb strings.Builder
	sb.WriteString(string(tgui.B("📊 Stats")) + "\n")

	if n, err := b.store.Count(ctx); err != nil {
		req.Log.Warn("count recipients failed", logx.Err(err))
		sb.WriteString("Recipients: unavailable\n")
	} else {
		fmt.Fprintf(&sb, "Recipients: %d\n", n)
	}
	fmt.Fprintf(&sb, "Active sessions: %d\n", b.sessions.Len())

	snap := b.prober.Status().Snapshot()
	conn := "❌ Not Connected"
	if snap.Connected {
		conn = "✅ Connected"
	}
	if snap.CheckedAt.IsZero() {
		fmt.Fprintf(&sb, "Site: %s (never checked)\n", conn)
	} else {
		fmt.Fprintf(&sb, "Site: %s (checked %s ago, %d attempt(s))\n", conn, time.Since(snap.CheckedAt).Round(time.Second), snap.Attempts)
	}

	if job, running := b.engine.Active(); running {
		fmt.Fprintf(&sb, "Broadcast: running %s, started %s ago\n", tgui.Code(job.ID), time.Since(job.Created).Round(time.Second))
	} else if res, ok := b.engine.Last(); ok {
		sb.WriteString("Last broadcast: " + summary(res) + "\n")
	} else if entries, err := b.store.RecentAudit(ctx, 1); err == nil && len(entries) > 0 {
		e := entries[0]
		fmt.Fprintf(&sb, "Last broadcast: %d sent, %d permanent, %d transient of %d (%s)\n",
			e.Sent, e.PermanentlyFailed, e.TransientlyFailed, e.Total, e.At.Format(time.DateTime))
	} else {
		sb.WriteString("Last broadcast: none\n")
	}

	bg := b.bg.Counters()
	fmt.Fprintf(&sb, "Background tasks: %d running, %d panics\n", bg.Active, bg.Panics)

	_, err := b.reply(ctx, req, strings.TrimRight(sb.String(), "\n"))
	return err
}

func summary(r broadcast.Result) string {
	s := fmt.Sprintf("%d sent, %d permanent, %d transient of %d in %s",
		r.Sent, r.PermanentlyFailed, r.TransientlyFailed, r.Total, r.Took.Round(time.Second))
	if r.Cancelled {
		s += " (cancelled)"
	}
	return s
}

// statusReporter keeps one editable status message up to date.
type statusReporter struct {
	gw  transport.Gateway
	ref transport.MessageRef
	log logx.Logger
}

func (r *statusReporter) edit(ctx context.Context, text string) {
	if r.ref.MessageID == 0 {
		return
	}
	if err := r.gw.EditText(ctx, r.ref, text, &transport.SendOptions{ParseMode: "HTML"}); err != nil {
		r.log.Warn("broadcast status edit failed", logx.Err(err))
	}
}

func (r *statusReporter) Progress(ctx context.Context, job broadcast.Job, res broadcast.Result) {
	r.edit(ctx, fmt.Sprintf("📣 Broadcasting… %d/%d processed (%d sent, %d permanent, %d transient)",
		res.Total, job.Expected, res.Sent, res.PermanentlyFailed, res.TransientlyFailed))
}

func (r *statusReporter) Done(ctx context.Context, job broadcast.Job, res broadcast.Result, err error) {
	switch {
	case errors.Is(err, broadcast.ErrDirectoryUnavailable):
		r.edit(ctx, "⚠️ Broadcast aborted: recipient directory unavailable. Nothing was sent.\n"+string(tgui.Esc(err.Error())))
	case err != nil:
		r.edit(ctx, "⚠️ Broadcast stopped: "+summary(res)+"\n"+string(tgui.Esc(err.Error())))
	case res.Cancelled:
		r.edit(ctx, "🛑 Broadcast cancelled: "+summary(res))
	default:
		r.edit(ctx, "✅ Broadcast finished: "+summary(res))
	}
}
