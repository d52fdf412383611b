// Package api is a thin client for the meeting-management REST API. The
// realtime core only needs it to resolve identity and roster data before
// joining; everything live flows over the broker.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Meeting is the roster-level view of a meeting.
type Meeting struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	MeetingCode   string `json:"meetingCode"`
	HostID        string `json:"hostId"`
	Status        string `json:"status"`
	ScheduledTime string `json:"scheduledTime,omitempty"`
	Duration      int    `json:"duration,omitempty"`
}

// Participant is one roster entry. Media flags here are the REST snapshot;
// live toggles arrive on the media-state topic.
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// APIError carries a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the meeting service. Zero-value unusable; use NewClient.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a REST client. token may be empty for deployments
// without auth.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetMeeting fetches one meeting by id.
func (c *Client) GetMeeting(ctx context.Context, meetingID string) (*Meeting, error) {
	var out Meeting
	if err := c.do(ctx, http.MethodGet, "/meetings/"+meetingID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinMeeting performs the REST join leg, resolving a meeting code to the
// meeting record the signaling session is scoped to.
func (c *Client) JoinMeeting(ctx context.Context, meetingCode string) (*Meeting, error) {
	var out Meeting
	in := map[string]string{"meetingCode": meetingCode}
	if err := c.do(ctx, http.MethodPost, "/meetings/join", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMeetingParticipants fetches the current roster.
func (c *Client) GetMeetingParticipants(ctx context.Context, meetingID string) ([]Participant, error) {
	var out []Participant
	if err := c.do(ctx, http.MethodGet, "/meetings/"+meetingID+"/participants", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
