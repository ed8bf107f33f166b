package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// GoogleClient implements Backend against the Google Calendar v3 REST API.
// Authentication uses a bearer token supplied by the caller (an OAuth access
// token refreshed out of band).
type GoogleClient struct {
	BaseURL    string
	Token      string
	MaxResults int
	client     *http.Client
}

// NewGoogleClient creates a backend client with the given access token.
func NewGoogleClient(token string) *GoogleClient {
	return &GoogleClient{
		BaseURL:    defaultBaseURL,
		Token:      token,
		MaxResults: 200,
		client:     http.DefaultClient,
	}
}

// Insert creates an event and returns its backend id.
func (g *GoogleClient) Insert(ctx context.Context, calendarID string, event *Event) (string, error) {
	var created Event
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	if err := g.do(ctx, http.MethodPost, path, event, &created); err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return created.ID, nil
}

// Update overwrites an existing event body.
func (g *GoogleClient) Update(ctx context.Context, calendarID, eventID string, event *Event) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	if err := g.do(ctx, http.MethodPut, path, event, nil); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// Get fetches an event body. Returns ErrNotFound for 404/410.
func (g *GoogleClient) Get(ctx context.Context, calendarID, eventID string) (*Event, error) {
	var event Event
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	if err := g.do(ctx, http.MethodGet, path, nil, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Delete removes an event. A 404/410 response means the event is already
// gone and counts as success.
func (g *GoogleClient) Delete(ctx context.Context, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	err := g.do(ctx, http.MethodDelete, path, nil, nil)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return fmt.Errorf("delete event: %w", err)
}

// List returns single-instance events in [timeMin, timeMax], ordered by
// start time. Time bounds are RFC 3339.
func (g *GoogleClient) List(ctx context.Context, calendarID string, timeMin, timeMax string) ([]*Event, error) {
	q := url.Values{}
	q.Set("timeMin", timeMin)
	q.Set("timeMax", timeMax)
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(g.MaxResults))

	var result struct {
		Items []*Event `json:"items"`
	}
	path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(calendarID), q.Encode())
	if err := g.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return result.Items, nil
}

func (g *GoogleClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bad status %d: %s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
