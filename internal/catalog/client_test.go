package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cinebot/pkg/logx"
)

func tmdb(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/movie", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "k", r.URL.Query().Get("api_key"))
		assert.Equal(t, "matrix", r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"results":[{"id":603,"title":"The Matrix","release_date":"1999-03-30"},{"id":604,"title":"Matrix Reloaded","release_date":""}]}`))
	})
	mux.HandleFunc("/search/tv", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"results":[{"id":70,"name":"The Matrix Files","first_air_date":"2010-01-01"}]}`))
	})
	mux.HandleFunc("/movie/603", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"id":603,"title":"The Matrix","release_date":"1999-03-30","poster_path":"/p.jpg","genres":[{"name":"Action"},{"name":"Science Fiction"}]}`))
	})
	mux.HandleFunc("/tv/70", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"id":70,"name":"The Matrix Files","first_air_date":"2010-01-01","genres":[]}`))
	})
	mux.HandleFunc("/movie/1", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchMoviesThenShows(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := tmdb(t, &calls)
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	res, err := c.Search(context.Background(), "  matrix ")
	require.NoError(t, err)
	assert.Equal(t, []Result{
		{ID: 603, Kind: Movie, Title: "The Matrix", Year: "1999"},
		{ID: 604, Kind: Movie, Title: "Matrix Reloaded", Year: "N/A"},
		{ID: 70, Kind: Show, Title: "The Matrix Files", Year: "2010"},
	}, res)

	res, err = c.Search(context.Background(), "  ")
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDetailsAndCache(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := tmdb(t, &calls)
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL, ImageBaseURL: "https://img/w500/"}, logx.Nop())
	require.NoError(t, err)

	d, err := c.Details(context.Background(), 603, Movie)
	require.NoError(t, err)
	assert.Equal(t, "The Matrix (1999)", d.Label())
	assert.Equal(t, "Action, Science Fiction", d.GenreList())
	assert.Equal(t, "https://img/w500/p.jpg", d.PosterURL)

	_, err = c.Details(context.Background(), 603, Movie)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	show, err := c.Details(context.Background(), 70, Show)
	require.NoError(t, err)
	assert.Equal(t, "The Matrix Files", show.Title)
	assert.Equal(t, "Unknown", show.GenreList())
	assert.Empty(t, show.PosterURL)
}

func TestDetailsNotFound(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := tmdb(t, &calls)
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = c.Details(context.Background(), 1, Movie)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Details(context.Background(), 1, Kind("book"))
	require.Error(t, err)
}

func TestBreakerOpensOnFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := c.Details(context.Background(), int64(i+10), Movie)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrUnavailable)
	}
	_, err = c.Details(context.Background(), 99, Movie)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), calls.Load())
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)
}
