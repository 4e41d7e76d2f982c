// Package gcal imports a user's upcoming Google Calendar events via
// OAuth2, the counterpart of the original's google-auth-oauthlib and
// googleapiclient usage in IMPORT_GCAL.
package gcal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Event is one imported calendar entry: its title and start time. The
// router encodes these for the reply; it does not store them.
type Event struct {
	Title string
	Start time.Time
}

// Client exchanges an OAuth2 authorization code for a token and lists
// upcoming events from the user's primary calendar.
type Client struct {
	config *oauth2.Config
}

// NewClient builds a Client from the OAuth2 client credentials
// collabnote was registered with. clientID/clientSecret/redirectURL
// are operator-supplied configuration, not compiled in.
func NewClient(clientID, clientSecret, redirectURL string) *Client {
	return &Client{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		},
	}
}

// ImportEvents exchanges code for a token, then lists events on the
// user's primary calendar starting now, up to maxResults entries.
func (c *Client) ImportEvents(ctx context.Context, code string, maxResults int64) ([]Event, error) {
	token, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("gcal: exchange code: %w", err)
	}

	svc, err := calendar.NewService(ctx, option.WithTokenSource(c.config.TokenSource(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("gcal: new calendar service: %w", err)
	}

	resp, err := svc.Events.List("primary").
		TimeMin(time.Now().Format(time.RFC3339)).
		MaxResults(maxResults).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("gcal: list events: %w", err)
	}

	events := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		start := item.Start.DateTime
		if start == "" {
			start = item.Start.Date
		}
		t, err := parseEventTime(start)
		if err != nil {
			continue
		}
		events = append(events, Event{Title: item.Summary, Start: t})
	}
	return events, nil
}

func parseEventTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
