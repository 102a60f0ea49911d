package catalog

import (
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("catalog: not found")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("catalog: temporarily unavailable")
)

// Kind is the TMDB media type.
type Kind string

const (
	Movie Kind = "movie"
	Show  Kind = "tv"
)

// Result is one search hit.
type Result struct {
	ID    int64
	Kind  Kind
	Title string
	Year  string
}

type Details struct {
	ID        int64
	Kind      Kind
	Title     string
	Year      string
	Genres    []string
	PosterURL string
	Overview  string
}

// Label renders "Title (year)".
func (d Details) Label() string { return d.Title + " (" + d.Year + ")" }

// GenreList joins genres, or "Unknown" when there are none.
func (d Details) GenreList() string {
	if len(d.Genres) == 0 {
		return "Unknown"
	}
	return strings.Join(d.Genres, ", ")
}

// yearOf takes the year from a YYYY-MM-DD date.
func yearOf(date string) string {
	date = strings.TrimSpace(date)
	if len(date) < 4 {
		return "N/A"
	}
	return date[:4]
}

type searchPage struct {
	Results []struct {
		ID           int64  `json:"id"`
		Title        string `json:"title"`
		Name         string `json:"name"`
		ReleaseDate  string `json:"release_date"`
		FirstAirDate string `json:"first_air_date"`
	} `json:"results"`
}

type detailsBody struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Name         string `json:"name"`
	ReleaseDate  string `json:"release_date"`
	FirstAirDate string `json:"first_air_date"`
	PosterPath   string `json:"poster_path"`
	Overview     string `json:"overview"`
	Genres       []struct {
		Name string `json:"name"`
	} `json:"genres"`
}
