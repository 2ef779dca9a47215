package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"slotsync/internal/domain"
	"slotsync/internal/failure"
)

// ErrSyncTokenExpired is returned by a source when the incremental cursor is no
// longer accepted and a full pull is required.
var ErrSyncTokenExpired = errors.New("calsync: sync token expired")

// PullResult is one page-complete pull from a provider.
type PullResult struct {
	Events        []domain.SyncedEvent
	Deleted       []string // provider event ids
	NextSyncToken string
}

// EventSource reads busy intervals from a provider.
// An empty syncToken requests a full pull.
type EventSource interface {
	Pull(ctx context.Context, cal domain.Calendar, accessToken, syncToken string) (PullResult, error)
}

// HTTPSource reads events from a provider gateway speaking a small JSON protocol:
//
//	GET {base}/calendars/{externalId}/events?syncToken=..&pageToken=..
//	Authorization: Bearer <token>
//
// answered with {"events":[...],"nextPageToken":"..","nextSyncToken":".."}.
type HTTPSource struct {
	base     string
	client   *http.Client
	maxPages int
	now      func() time.Time
}

func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{base: strings.TrimRight(baseURL, "/"), client: client, maxPages: 50, now: time.Now}
}

type wireEvent struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status"`
}

type wirePage struct {
	Events        []wireEvent `json:"events"`
	NextPageToken string      `json:"nextPageToken"`
	NextSyncToken string      `json:"nextSyncToken"`
}

func (s *HTTPSource) Pull(ctx context.Context, cal domain.Calendar, accessToken, syncToken string) (PullResult, error) {
	var out PullResult
	page := ""
	for i := 0; i < s.maxPages; i++ {
		p, err := s.fetch(ctx, cal, accessToken, syncToken, page)
		if err != nil {
			return PullResult{}, err
		}
		for _, e := range p.Events {
			if e.ID == "" {
				continue
			}
			if e.Status == "cancelled" {
				out.Deleted = append(out.Deleted, e.ID)
				continue
			}
			if !e.End.After(e.Start) {
				continue
			}
			out.Events = append(out.Events, domain.SyncedEvent{
				CalendarID:      cal.ID,
				ProviderEventID: e.ID,
				Title:           e.Title,
				Start:           e.Start.UTC(),
				End:             e.End.UTC(),
			})
		}
		if p.NextPageToken == "" {
			out.NextSyncToken = p.NextSyncToken
			return out, nil
		}
		page = p.NextPageToken
	}
	return PullResult{}, failure.Transient(fmt.Errorf("calendar %s: more than %d pages", cal.ID, s.maxPages))
}

func (s *HTTPSource) fetch(ctx context.Context, cal domain.Calendar, accessToken, syncToken, pageToken string) (wirePage, error) {
	q := url.Values{}
	if syncToken != "" {
		q.Set("syncToken", syncToken)
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	u := fmt.Sprintf("%s/calendars/%s/events", s.base, url.PathEscape(cal.ExternalID))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return wirePage{}, failure.Validation(err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return wirePage{}, failure.Transient(fmt.Errorf("pull %s: %w", cal.Provider, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		_, _ = io.Copy(io.Discard, resp.Body)
		return wirePage{}, ErrSyncTokenExpired
	}
	if err := failure.FromStatus(resp, s.now(), "pull "+cal.Provider); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return wirePage{}, err
	}
	var p wirePage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&p); err != nil {
		return wirePage{}, failure.Transient(fmt.Errorf("decode %s events: %w", cal.Provider, err))
	}
	return p, nil
}
