// Package competition is a client for the REST competition API.
package competition

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
	"time"

	"github.com/ashureev/orienteer-assist/internal/domain"
)

const (
	summariesPath   = "/competitions/get-competition-summaries"
	competitionPath = "/competitions/get-competition"
	dateLayout      = "2006-01-02"
	maxErrorBody    = 512
)

// ErrNotFound is returned by Get when the API has no competition with the given id.
var ErrNotFound = errors.New("competition not found")

// StatusError is returned for unexpected non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("competition api: unexpected status %d: %s", e.StatusCode, e.Body)
}

// SummaryQuery filters the competition list. Zero values are omitted from the request.
type SummaryQuery struct {
	From             time.Time
	To               time.Time
	Lat              *float64
	Lng              *float64
	MaxDistanceKm    float64
	Limit            int
	Branches         []string
	Disciplines      []string
	CompetitionTypes []string
	Districts        []string
	Clubs            []string
	OrderBy          string
	OrderDirection   string
}

// Values encodes q as URL query parameters. List filters repeat their key.
func (q SummaryQuery) Values() url.Values {
	v := url.Values{}
	if !q.From.IsZero() {
		v.Set("from", q.From.Format(dateLayout))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.Format(dateLayout))
	}
	if q.Lat != nil && q.Lng != nil {
		v.Set("lat", strconv.FormatFloat(*q.Lat, 'f', -1, 64))
		v.Set("lng", strconv.FormatFloat(*q.Lng, 'f', -1, 64))
	}
	if q.MaxDistanceKm > 0 {
		v.Set("maxDistanceKm", strconv.FormatFloat(q.MaxDistanceKm, 'f', -1, 64))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	for key, list := range map[string][]string{
		"branches":         q.Branches,
		"disciplines":      q.Disciplines,
		"competitionTypes": q.CompetitionTypes,
		"districts":        q.Districts,
		"clubs":            q.Clubs,
	} {
		for _, item := range list {
			if item = strings.TrimSpace(item); item != "" {
				v.Add(key, item)
			}
		}
	}
	if q.OrderBy != "" {
		v.Set("orderBy", q.OrderBy)
	}
	if q.OrderDirection != "" {
		v.Set("orderDirection", q.OrderDirection)
	}
	return v
}

// ParseSummaryQuery reads a SummaryQuery from request query parameters,
// using the same names the upstream API accepts.
func ParseSummaryQuery(v url.Values) (SummaryQuery, error) {
	var q SummaryQuery
	var err error

	if s := v.Get("from"); s != "" {
		if q.From, err = time.Parse(dateLayout, s); err != nil {
			return q, fmt.Errorf("invalid from: %w", err)
		}
	}
	if s := v.Get("to"); s != "" {
		if q.To, err = time.Parse(dateLayout, s); err != nil {
			return q, fmt.Errorf("invalid to: %w", err)
		}
	}
	latStr, lngStr := v.Get("lat"), v.Get("lng")
	if (latStr == "") != (lngStr == "") {
		return q, errors.New("lat and lng must be given together")
	}
	if latStr != "" {
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil || lat < -90 || lat > 90 {
			return q, fmt.Errorf("invalid lat %q", latStr)
		}
		lng, err := strconv.ParseFloat(lngStr, 64)
		if err != nil || lng < -180 || lng > 180 {
			return q, fmt.Errorf("invalid lng %q", lngStr)
		}
		q.Lat, q.Lng = &lat, &lng
	}
	if s := v.Get("maxDistanceKm"); s != "" {
		if q.MaxDistanceKm, err = strconv.ParseFloat(s, 64); err != nil || q.MaxDistanceKm < 0 {
			return q, fmt.Errorf("invalid maxDistanceKm %q", s)
		}
	}
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil || q.Limit < 0 {
			return q, fmt.Errorf("invalid limit %q", s)
		}
	}
	q.Branches = v["branches"]
	q.Disciplines = v["disciplines"]
	q.CompetitionTypes = v["competitionTypes"]
	q.Districts = v["districts"]
	q.Clubs = v["clubs"]
	q.OrderBy = v.Get("orderBy")
	q.OrderDirection = v.Get("orderDirection")
	if q.OrderDirection != "" && q.OrderDirection != "asc" && q.OrderDirection != "desc" {
		return q, fmt.Errorf("invalid orderDirection %q", q.OrderDirection)
	}
	return q, nil
}

// Client calls the competition API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Summaries lists competitions matching q.
func (c *Client) Summaries(ctx context.Context, q SummaryQuery) ([]domain.CompetitionSummary, error) {
	var out []domain.CompetitionSummary
	if err := c.get(ctx, summariesPath, q.Values(), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.CompetitionSummary{}
	}
	return out, nil
}

// Get fetches one competition by id.
func (c *Client) Get(ctx context.Context, id string) (*domain.Competition, error) {
	var out domain.Competition
	if err := c.get(ctx, competitionPath, url.Values{"id": {id}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
