// Package catalog searches The Movie Database for movies and shows.
//
// Every request goes through a circuit breaker so a TMDB outage turns into
// fast ErrUnavailable answers instead of piling up slow searches.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"cinebot/internal/metrics"
	logx "cinebot/pkg/logx"
)

const (
	defaultBaseURL      = "https://api.themoviedb.org/3"
	defaultImageBaseURL = "https://image.tmdb.org/t/p/w500"
	detailsCacheMax     = 2048
)

type Config struct {
	APIKey       string
	BaseURL      string
	ImageBaseURL string
	Language     string
	Timeout      time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  logx.Logger

	mu    sync.Mutex
	cache map[string]Details
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("catalog: api key is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.ImageBaseURL = strings.TrimRight(strings.TrimSpace(cfg.ImageBaseURL), "/")
	if cfg.ImageBaseURL == "" {
		cfg.ImageBaseURL = defaultImageBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log.With(logx.String("comp", "catalog")),
		cache: make(map[string]Details),
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tmdb",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return c, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Search returns movie hits followed by show hits.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	movies, err := c.search(ctx, Movie, query)
	if err != nil {
		return nil, err
	}
	shows, err := c.search(ctx, Show, query)
	if err != nil {
		return nil, err
	}
	return append(movies, shows...), nil
}

func (c *Client) search(ctx context.Context, kind Kind, query string) ([]Result, error) {
	var page searchPage
	if err := c.get(ctx, "search_"+string(kind), "/search/"+string(kind), url.Values{"query": {query}}, &page); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(page.Results))
	for _, r := range page.Results {
		res := Result{ID: r.ID, Kind: kind, Title: r.Title, Year: yearOf(r.ReleaseDate)}
		if kind == Show {
			res.Title, res.Year = r.Name, yearOf(r.FirstAirDate)
		}
		out = append(out, res)
	}
	return out, nil
}

// Details fetches one title. Results are cached for the process lifetime.
func (c *Client) Details(ctx context.Context, id int64, kind Kind) (Details, error) {
	if kind != Movie && kind != Show {
		return Details{}, fmt.Errorf("catalog: unknown kind %q", kind)
	}
	key := string(kind) + ":" + strconv.FormatInt(id, 10)
	c.mu.Lock()
	d, ok := c.cache[key]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	var body detailsBody
	if err := c.get(ctx, "details_"+string(kind), "/"+string(kind)+"/"+strconv.FormatInt(id, 10), nil, &body); err != nil {
		return Details{}, err
	}
	d = Details{ID: body.ID, Kind: kind, Title: body.Title, Year: yearOf(body.ReleaseDate), Overview: body.Overview}
	if kind == Show {
		d.Title, d.Year = body.Name, yearOf(body.FirstAirDate)
	}
	for _, g := range body.Genres {
		d.Genres = append(d.Genres, g.Name)
	}
	if body.PosterPath != "" {
		d.PosterURL = c.cfg.ImageBaseURL + body.PosterPath
	}

	c.mu.Lock()
	if len(c.cache) >= detailsCacheMax {
		clear(c.cache)
	}
	c.cache[key] = d
	c.mu.Unlock()
	return d, nil
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, q, out)
	})
	switch {
	case err == nil:
		metrics.CatalogRequestsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CatalogRequestsTotal.WithLabelValues(op, "open").Inc()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		metrics.CatalogRequestsTotal.WithLabelValues(op, "error").Inc()
		return err
	}
}

func (c *Client) do(ctx context.Context, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("api_key", c.cfg.APIKey)
	q.Set("language", c.cfg.Language)
	u := c.cfg.BaseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("catalog: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The url carries the api key; keep it out of errors.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("catalog: get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("catalog: get %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("catalog: decode %s: %w", path, err)
	}
	return nil
}
