package bot

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinebot/internal/backend"
	"cinebot/internal/broadcast"
	"cinebot/internal/catalog"
	"cinebot/internal/directory"
	"cinebot/internal/health"
	"cinebot/internal/session"
	"cinebot/internal/storage"
	"cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

const (
	ownerID = int64(1)
	userID  = int64(42)
)

type sent struct {
	To      int64
	Payload transport.Payload
	Ref     transport.MessageRef
}

type answer struct {
	ID    string
	Text  string
	Alert bool
}

type fakeGateway struct {
	mu      sync.Mutex
	nextID  int
	fail    map[int64]error
	sent    []sent
	edits   map[int]string
	deleted []int
	answers []answer
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fail: map[int64]error{}, edits: map[int]string{}}
}

func (g *fakeGateway) Send(_ context.Context, to transport.ChatTarget, p transport.Payload) (transport.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	g.nextID++
	ref := transport.MessageRef{ChatID: to.ChatID, MessageID: g.nextID}
	g.sent = append(g.sent, sent{To: to.ChatID, Payload: p, Ref: ref})
	return ref, nil
}

func (g *fakeGateway) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edits[ref.MessageID] = text
	return nil
}

func (g *fakeGateway) Delete(_ context.Context, ref transport.MessageRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, ref.MessageID)
	return nil
}

func (g *fakeGateway) AnswerCallback(_ context.Context, id, text string, alert bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers = append(g.answers, answer{ID: id, Text: text, Alert: alert})
	return nil
}

func (g *fakeGateway) to(chat int64) []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sent
	for _, s := range g.sent {
		if s.To == chat {
			out = append(out, s)
		}
	}
	return out
}

func (g *fakeGateway) texts(chat int64) []string {
	var out []string
	for _, s := range g.to(chat) {
		out = append(out, s.Payload.Body())
	}
	return out
}

func (g *fakeGateway) edit(id int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edits[id]
}

func (g *fakeGateway) lastAnswer() answer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.answers) == 0 {
		return answer{}
	}
	return g.answers[len(g.answers)-1]
}

type pingTarget struct{ err error }

func (p pingTarget) Ping(context.Context) error { return p.err }

type fakeCatalog struct {
	mu        sync.Mutex
	results   []catalog.Result
	searchErr error
	searches  int
}

func (c *fakeCatalog) Search(_ context.Context, _ string) ([]catalog.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches++
	return c.results, c.searchErr
}

func (c *fakeCatalog) Details(_ context.Context, id int64, kind catalog.Kind) (catalog.Details, error) {
	d := catalog.Details{ID: id, Kind: kind, Title: fmt.Sprintf("Title %d", id), Year: "2001", Genres: []string{"Drama"}}
	if id%2 == 1 {
		d.PosterURL = fmt.Sprintf("https://img.example/%d.jpg", id)
	}
	return d, nil
}

type fakeSearchLog struct {
	mu      sync.Mutex
	entries []backend.SearchLog
}

func (f *fakeSearchLog) LogSearch(_ context.Context, e backend.SearchLog) error {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeSearchLog) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type harness struct {
	bot     *Bot
	gw      *fakeGateway
	store   storage.Store
	cat     *fakeCatalog
	slog    *fakeSearchLog
	prober  *health.Prober
	engine  *broadcast.Engine
	session *session.Cache
}

func newHarness(t *testing.T, connected bool) *harness {
	t.Helper()
	return newHarnessWithStore(t, connected, storage.NewMemory())
}

func newHarnessWithStore(t *testing.T, connected bool, store storage.Store) *harness {
	t.Helper()
	h := &harness{gw: newFakeGateway(), store: store, cat: &fakeCatalog{}, slog: &fakeSearchLog{}}

	var target health.Target = pingTarget{err: errors.New("down")}
	if connected {
		target = pingTarget{}
	}
	h.prober = health.NewProber(target, nil, health.Config{MaxRetries: 1}, logx.Nop())
	if connected {
		require.True(t, h.prober.Probe(context.Background()))
	}
	h.session = session.New(session.Config{}, clockwork.NewRealClock(), logx.Nop())
	h.engine = broadcast.New(h.gw, h.store, h.store, broadcast.Config{}, logx.Nop())

	b, err := New(Deps{
		Gateway:   h.gw,
		Store:     h.store,
		Prober:    h.prober,
		Catalog:   h.cat,
		SearchLog: h.slog,
		Sessions:  h.session,
		Broadcast: h.engine,
	}, Config{Owners: []int64{ownerID}, SiteURL: "https://site.example/"}, logx.Nop())
	require.NoError(t, err)
	h.bot = b
	t.Cleanup(func() {
		b.bg.Cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.bg.Wait(ctx)
	})
	return h
}

func (h *harness) message(from int64, text string) {
	h.bot.Handle(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ID: 1000, ChatID: from, From: transport.User{ID: from, FirstName: "Neo"}, Text: text},
	})
}

func (h *harness) callback(from int64, data string, msgID int) {
	h.bot.Handle(context.Background(), transport.Update{
		Kind:     transport.UpdateCallback,
		Callback: &transport.Callback{ID: "cb", From: transport.User{ID: from}, ChatID: from, MessageID: msgID, Data: data},
	})
}

func results(n int) []catalog.Result {
	out := make([]catalog.Result, n)
	for i := range out {
		kind := catalog.Movie
		if i%3 == 2 {
			kind = catalog.Show
		}
		out[i] = catalog.Result{ID: int64(i + 1), Kind: kind}
	}
	return out
}

func TestStartGreetsAndRecordsRecipient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.message(userID, "/start")

	assert.Equal(t, []string{msgStart}, h.gw.texts(userID))
	n, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOperatorCommandsRejectOthers(t *testing.T) {
	t.Parallel()
	for _, cmd := range []string{"/api", "/broadcast hi", "/broadcast_cancel", "/stats"} {
		cmd := cmd
		t.Run(cmd, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, true)
			h.message(userID, cmd)

			assert.Equal(t, []string{msgUnauthorized}, h.gw.texts(userID))
			notes := h.gw.texts(ownerID)
			require.Len(t, notes, 1)
			assert.Contains(t, notes[0], "Unauthorized attempt to use /")
			assert.Contains(t, notes[0], "Neo (ID: 42)")
		})
	}
}

func TestAPIReportsConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.message(ownerID, "/api")
	assert.Equal(t, []string{"🔍 Site connection status: ✅ Connected"}, h.gw.texts(ownerID))

	h = newHarness(t, false)
	h.message(ownerID, "/api@cinebot")
	assert.Equal(t, []string{"🔍 Site connection status: ❌ Not Connected"}, h.gw.texts(ownerID))
}

func TestSearchRefusedWhileDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.message(userID, "matrix")

	assert.Equal(t, []string{msgNotConnected}, h.gw.texts(userID))
	assert.Zero(t, h.cat.searches)
}

func TestSearchRendersFirstPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.cat.results = results(7)
	h.message(userID, "matrix")

	out := h.gw.to(userID)
	require.Len(t, out, 2, "loading message then the page")
	loading, page := out[0], out[1]
	assert.Equal(t, msgLoading, loading.Payload.Text)

	assert.Equal(t, transport.KindPhoto, page.Payload.Kind)
	assert.Equal(t, "https://img.example/1.jpg", page.Payload.Media)
	assert.Equal(t, "<b>Title 1</b> (2001)\n\n<b>Genres:</b> Drama", page.Payload.Caption)

	kb := page.Payload.Keyboard
	require.Len(t, kb, 6, "five results and a nav row")
	assert.Equal(t, "Title 1 (2001)", kb[0][0].Text)
	assert.Equal(t, "https://site.example/best/result/x/1/movie", kb[0][0].URL)
	assert.Equal(t, "https://site.example/best/result/x/3/tv", kb[2][0].URL)
	require.Len(t, kb[5], 1)
	assert.Equal(t, "nav:next", kb[5][0].Data)

	assert.Contains(t, h.gw.deleted, loading.Ref.MessageID)

	notes := h.gw.texts(ownerID)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "searched for: <code>matrix</code>")
	require.Eventually(t, func() bool { return h.slog.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, backend.SearchLog{UserID: userID, Username: "Neo", Query: "matrix"}, h.slog.entries[0])
}

func TestSearchEmptyAndFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.message(userID, "nothing")
	out := h.gw.to(userID)
	require.Len(t, out, 1)
	assert.Equal(t, msgNoResults, h.gw.edit(out[0].Ref.MessageID))

	h = newHarness(t, true)
	h.cat.searchErr = catalog.ErrUnavailable
	h.message(userID, "matrix")
	out = h.gw.to(userID)
	require.Len(t, out, 1)
	assert.Equal(t, msgSearchError, h.gw.edit(out[0].Ref.MessageID))
	_, err := h.session.Current(userID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestPaginationCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.cat.results = results(7)
	h.message(userID, "matrix")
	first := h.gw.to(userID)[1]

	h.callback(userID, "nav:next", first.Ref.MessageID)
	out := h.gw.to(userID)
	require.Len(t, out, 3)
	second := out[2]
	kb := second.Payload.Keyboard
	require.Len(t, kb, 3, "two results and a nav row")
	assert.Equal(t, "Title 6 (2001)", kb[0][0].Text)
	require.Len(t, kb[2], 1)
	assert.Equal(t, "nav:prev", kb[2][0].Data)
	assert.Equal(t, transport.KindText, second.Payload.Kind, "result 6 has no poster")
	assert.Contains(t, h.gw.deleted, first.Ref.MessageID)

	// Already on the last page.
	h.callback(userID, "nav:next", second.Ref.MessageID)
	assert.Equal(t, answer{ID: "cb", Text: msgNoMore, Alert: true}, h.gw.lastAnswer())
	assert.Len(t, h.gw.to(userID), 3)

	h.callback(userID, "nav:prev", second.Ref.MessageID)
	out = h.gw.to(userID)
	require.Len(t, out, 4)
	assert.Equal(t, "Title 1 (2001)", out[3].Payload.Keyboard[0][0].Text)

	h.callback(userID, "bogus", 0)
	assert.Equal(t, answer{ID: "cb", Text: msgInvalid, Alert: true}, h.gw.lastAnswer())

	h.callback(userID+1, "nav:next", 0)
	assert.Equal(t, answer{ID: "cb", Text: msgNoSession, Alert: true}, h.gw.lastAnswer())
}

func TestBroadcastEvictsPermanentFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	for _, id := range []int64{10, 11, 12} {
		require.NoError(t, h.store.Upsert(ctx, directory.Recipient{ID: id, LastSeen: time.Now()}))
	}
	h.gw.fail[11] = transport.PermanentError(errors.New("Forbidden: bot was blocked by the user"))
	h.gw.fail[12] = transport.TransientError(errors.New("Too Many Requests"))

	h.message(ownerID, "/broadcast hello everyone")

	require.Eventually(t, func() bool { _, ok := h.engine.Last(); return ok }, 2*time.Second, 5*time.Millisecond)
	res, _ := h.engine.Last()
	assert.Equal(t, 2, res.Sent, "owner and recipient 10")
	assert.Equal(t, 1, res.PermanentlyFailed)
	assert.Equal(t, 1, res.TransientlyFailed)
	assert.Equal(t, 4, res.Total)

	n, err := h.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "blocked recipient evicted")

	replies := h.gw.to(ownerID)
	require.NotEmpty(t, replies)
	status := replies[0]
	assert.Equal(t, "📣 Broadcast started to 4 recipients.", status.Payload.Text)
	require.Eventually(t, func() bool {
		return strings.HasPrefix(h.gw.edit(status.Ref.MessageID), "✅ Broadcast finished: 2 sent, 1 permanent, 1 transient of 4")
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"hello everyone"}, h.gw.texts(10))
}

func TestBroadcastUsesRepliedMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	photo := &transport.Payload{Kind: transport.KindPhoto, Media: "file-id", Caption: "new release"}
	h.bot.Handle(context.Background(), transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{ChatID: ownerID, From: transport.User{ID: ownerID}, Text: "/broadcast", ReplyTo: photo},
	})
	require.Eventually(t, func() bool { _, ok := h.engine.Last(); return ok }, 2*time.Second, 5*time.Millisecond)

	var got []transport.Payload
	for _, s := range h.gw.to(ownerID) {
		if s.Payload.Kind == transport.KindPhoto {
			got = append(got, s.Payload)
		}
	}
	assert.Equal(t, []transport.Payload{*photo}, got)
}

func TestBroadcastReplyKeepsKeyboard(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	for _, id := range []int64{10, 11} {
		require.NoError(t, h.store.Upsert(ctx, directory.Recipient{ID: id, LastSeen: time.Now()}))
	}
	post := &transport.Payload{
		Kind:      transport.KindText,
		Text:      "<b>new release</b>",
		ParseMode: "HTML",
		Keyboard:  transport.Keyboard{{{Text: "Watch", URL: "https://example.org"}}},
	}
	h.bot.Handle(ctx, transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: ownerID, From: transport.User{ID: ownerID}, Text: "/broadcast", ReplyTo: post},
	})
	require.Eventually(t, func() bool { _, ok := h.engine.Last(); return ok }, 2*time.Second, 5*time.Millisecond)
	res, _ := h.engine.Last()
	assert.Equal(t, 3, res.Sent)

	for _, id := range []int64{10, 11} {
		got := h.gw.to(id)
		require.Len(t, got, 1, "recipient %d", id)
		assert.Equal(t, *post, got[0].Payload, "recipient %d", id)
	}
}

// scanFailStore counts fine but cannot be listed.
type scanFailStore struct {
	storage.Store
	err error
}

func (s scanFailStore) Scan(context.Context) iter.Seq2[directory.Recipient, error] {
	return func(yield func(directory.Recipient, error) bool) {
		yield(directory.Recipient{}, s.err)
	}
}

func TestBroadcastReportsDirectoryError(t *testing.T) {
	t.Parallel()
	h := newHarnessWithStore(t, true, scanFailStore{Store: storage.NewMemory(), err: errors.New("dynamo scan timeout")})

	h.message(ownerID, "/broadcast hello")

	replies := h.gw.to(ownerID)
	require.NotEmpty(t, replies)
	status := replies[0]
	require.Eventually(t, func() bool {
		return strings.HasPrefix(h.gw.edit(status.Ref.MessageID), "⚠️ Broadcast aborted: recipient directory unavailable")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.gw.edit(status.Ref.MessageID), "dynamo scan timeout")
	res, _ := h.engine.Last()
	assert.Zero(t, res.Sent)
}

func TestBroadcastPreconditions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.message(ownerID, "/broadcast")
	assert.Equal(t, []string{msgBroadcastUsage}, h.gw.texts(ownerID))

	// Group messages do not register the sender, so the directory stays empty.
	h = newHarness(t, true)
	h.bot.Handle(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: -100, IsGroup: true, From: transport.User{ID: ownerID}, Text: "/broadcast hi"},
	})
	assert.Equal(t, []string{msgNoRecipients}, h.gw.texts(-100))

	h.message(ownerID, "/broadcast_cancel")
	assert.Equal(t, []string{"No broadcast is running."}, h.gw.texts(ownerID))
}

func TestStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.cat.results = results(2)
	h.message(userID, "matrix")
	h.message(ownerID, "/stats")

	out := h.gw.texts(ownerID)
	require.NotEmpty(t, out)
	stats := out[len(out)-1]
	assert.Contains(t, stats, "Recipients: 2")
	assert.Contains(t, stats, "Active sessions: 1")
	assert.Contains(t, stats, "✅ Connected")
	assert.Contains(t, stats, "Last broadcast: none")
}

func TestGroupTextIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.bot.Handle(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: -100, IsGroup: true, From: transport.User{ID: userID}, Text: "matrix"},
	})
	assert.Empty(t, h.gw.to(-100))
	assert.Zero(t, h.cat.searches)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in         string
		word, args string
		ok         bool
	}{
		{"/start", "start", "", true},
		{"/API@cinebot", "api", "", true},
		{"/broadcast  hello  world ", "broadcast", "hello  world", true},
		{"/broadcast\nline one\nline two", "broadcast", "line one\nline two", true},
		{"matrix", "", "", false},
		{"/", "", "", false},
	}
	for _, tt := range tests {
		word, args, ok := parseCommand(tt.in)
		if word != tt.word || args != tt.args || ok != tt.ok {
			t.Fatalf("parseCommand(%q) = %q, %q, %v; want %q, %q, %v", tt.in, word, args, ok, tt.word, tt.args, tt.ok)
		}
	}
}
