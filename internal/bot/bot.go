// Package bot routes Telegram updates to the search, pagination and operator
// handlers.
package bot

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"cinebot/internal/backend"
	"cinebot/internal/broadcast"
	"cinebot/internal/catalog"
	"cinebot/internal/directory"
	"cinebot/internal/health"
	rtsup "cinebot/internal/runtime/supervisor"
	"cinebot/internal/session"
	"cinebot/internal/storage"
	"cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

// Prober checks backend connectivity without blocking the caller.
type Prober interface {
	Trigger(ctx context.Context) <-chan bool
	Status() *health.Status
}

type Catalog interface {
	Search(ctx context.Context, query string) ([]catalog.Result, error)
	Details(ctx context.Context, id int64, kind catalog.Kind) (catalog.Details, error)
}

type SearchLogger interface {
	LogSearch(ctx context.Context, entry backend.SearchLog) error
}

// Deps are the collaborators a Bot drives. SearchLog may be nil.
type Deps struct {
	Gateway   transport.Gateway
	Store     storage.Store
	Prober    Prober
	Catalog   Catalog
	SearchLog SearchLogger
	Sessions  *session.Cache
	Broadcast *broadcast.Engine
}

type Config struct {
	Owners       []int64
	OperatorChat int64
	// SiteURL is the public site result buttons link to.
	SiteURL string
	Workers int
	// HandlerTimeout bounds one update (default 2m).
	HandlerTimeout time.Duration
}

type Bot struct {
	gw        transport.Gateway
	store     storage.Store
	prober    Prober
	catalog   Catalog
	searchLog SearchLogger
	sessions  *session.Cache
	engine    *broadcast.Engine
	log       logx.Logger

	// bg runs work that outlives a handler (broadcasts, best-effort logging).
	bg *rtsup.Supervisor

	mu  sync.RWMutex
	cfg Config
}

func New(deps Deps, cfg Config, log logx.Logger) (*Bot, error) {
	switch {
	case deps.Gateway == nil:
		return nil, errors.New("bot: gateway is required")
	case deps.Store == nil:
		return nil, errors.New("bot: store is required")
	case deps.Prober == nil:
		return nil, errors.New("bot: prober is required")
	case deps.Catalog == nil:
		return nil, errors.New("bot: catalog is required")
	case deps.Sessions == nil:
		return nil, errors.New("bot: session cache is required")
	case deps.Broadcast == nil:
		return nil, errors.New("bot: broadcast engine is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "bot"))
	return &Bot{
		gw:        deps.Gateway,
		store:     deps.Store,
		prober:    deps.Prober,
		catalog:   deps.Catalog,
		searchLog: deps.SearchLog,
		sessions:  deps.Sessions,
		engine:    deps.Broadcast,
		log:       log,
		bg:        rtsup.New(context.Background(), rtsup.WithLogger(log), rtsup.WithCancelOnError(false)),
		cfg:       normalize(cfg),
	}, nil
}

func normalize(cfg Config) Config {
	cfg.Owners = slices.Clone(cfg.Owners)
	cfg.SiteURL = strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/")
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * time.Minute
	}
	if cfg.OperatorChat == 0 && len(cfg.Owners) > 0 {
		cfg.OperatorChat = cfg.Owners[0]
	}
	return cfg
}

// SetConfig swaps owners, operator chat and site URL. Workers only take
// effect on the next Run.
func (b *Bot) SetConfig(cfg Config) {
	cfg = normalize(cfg)
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

func (b *Bot) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Bot) isOwner(id int64) bool {
	return slices.Contains(b.config().Owners, id)
}

// notifyOperator is best effort; failures are logged.
func (b *Bot) notifyOperator(ctx context.Context, text string) {
	chat := b.config().OperatorChat
	if chat == 0 {
		return
	}
	if _, err := transport.SendText(ctx, b.gw, transport.ChatTarget{ChatID: chat}, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		b.log.Warn("operator notify failed", logx.Int64("chat_id", chat), logx.Err(err))
	}
}

func (b *Bot) reply(ctx context.Context, req *Request, text string) (transport.MessageRef, error) {
	ref, err := transport.SendText(ctx, b.gw, req.Chat, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		req.Log.Warn("reply failed", logx.Err(err))
	}
	return ref, err
}

// Handle routes one update synchronously.
func (b *Bot) Handle(ctx context.Context, up transport.Update) {
	req, h := b.route(up)
	if h == nil {
		return
	}
	final := Chain(h, MWPanicRecover(), MWRequestLog(), MWTimeout(b.config().HandlerTimeout))
	_ = final(ctx, req)
}

func (b *Bot) route(up transport.Update) (*Request, HandlerFunc) {
	req := &Request{Update: up, ReqID: uuid.NewString()[:8]}
	switch {
	case up.Kind == transport.UpdateMessage && up.Message != nil:
		m := up.Message
		req.Chat = transport.ChatTarget{ChatID: m.ChatID}
		req.From = m.From
		text := strings.TrimSpace(m.Text)
		if word, args, ok := parseCommand(text); ok {
			req.Route, req.Args = word, args
		} else {
			if m.IsGroup || text == "" {
				return nil, nil
			}
			req.Route, req.Args = "search", text
		}
	case up.Kind == transport.UpdateCallback && up.Callback != nil:
		cb := up.Callback
		req.Chat = transport.ChatTarget{ChatID: cb.ChatID}
		req.From = cb.From
		req.Route = "cb:" + cb.Data
		req.Args = cb.Data
	default:
		return nil, nil
	}
	req.Log = b.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.From.ID),
		logx.String("route", req.Route),
	)

	var h HandlerFunc
	switch {
	case up.Kind == transport.UpdateCallback:
		h = b.handleCallback
	case req.Route == "search":
		h = b.handleSearch
	default:
		cmd, ok := b.commands()[req.Route]
		if !ok {
			h = b.handleUnknown
			break
		}
		h = cmd.Handle
		if cmd.OwnerOnly {
			h = b.ownerOnly(h)
		}
	}
	return req, b.touch(h)
}

// touch records the sender in the recipient directory before handling.
// Only private chats are reachable broadcast targets.
func (b *Bot) touch(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if m := req.Update.Message; m != nil && !m.IsGroup && req.From.ID != 0 {
			r := directory.Recipient{
				ID:       req.Chat.ChatID,
				Name:     directory.NameOf(req.From.Username, req.From.FirstName),
				LastSeen: time.Now(),
			}
			if err := b.store.Upsert(ctx, r); err != nil {
				req.Log.Warn("recipient upsert failed", logx.Err(err))
			}
		}
		return next(ctx, req)
	}
}

// parseCommand splits "/cmd@bot args" into "cmd" and "args".
func parseCommand(text string) (word, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word = strings.TrimPrefix(text, "/")
	if i := strings.IndexFunc(word, unicode.IsSpace); i >= 0 {
		word, args = word[:i], word[i:]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return "", "", false
	}
	return word, strings.TrimSpace(args), true
}
