package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/beacon/internal/record"
)

const pageSize = 100

// Client is the HTTP implementation of Store, speaking the beacon record
// store API with bearer-token auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a store client. The HTTP client timeout must exceed
// the server's long-poll window; 60s covers the default 25s window.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// decode maps HTTP status codes onto the store's sentinel errors and
// decodes a 2xx body into v (when v is non-nil).
func decode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return ErrConflict
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: server returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

func (c *Client) CreateSession(ctx context.Context, rec record.SessionRecord) error {
	resp, err := c.do(ctx, http.MethodPost, "/records/session", rec)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

func (c *Client) UpdateSession(ctx context.Context, rec record.SessionRecord) error {
	resp, err := c.do(ctx, http.MethodPut, "/records/session/"+url.PathEscape(rec.ID), rec)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

func (c *Client) GetSession(ctx context.Context, id string) (record.SessionRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/records/session/"+url.PathEscape(id), nil)
	if err != nil {
		return record.SessionRecord{}, err
	}
	var rec record.SessionRecord
	if err := decode(resp, &rec); err != nil {
		return record.SessionRecord{}, err
	}
	return rec, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/records/session/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

type sessionPage struct {
	Records    []record.SessionRecord `json:"records"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func (c *Client) ActiveSessions(ctx context.Context, since time.Time) ([]record.SessionRecord, error) {
	var all []record.SessionRecord
	cursor := ""
	for {
		q := url.Values{}
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		q.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		resp, err := c.do(ctx, http.MethodGet, "/records/session?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		var page sessionPage
		if err := decode(resp, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) CreatePrompt(ctx context.Context, rec record.PromptRecord) error {
	resp, err := c.do(ctx, http.MethodPost, "/records/prompt", rec)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

func (c *Client) GetPrompt(ctx context.Context, id string) (record.PromptRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/records/prompt/"+url.PathEscape(id), nil)
	if err != nil {
		return record.PromptRecord{}, err
	}
	var rec record.PromptRecord
	if err := decode(resp, &rec); err != nil {
		return record.PromptRecord{}, err
	}
	return rec, nil
}

type promptPage struct {
	Records []record.PromptRecord `json:"records"`
}

func (c *Client) AnsweredPrompts(ctx context.Context, sessionID record.SessionID) ([]record.PromptRecord, error) {
	q := url.Values{}
	q.Set("session_id", sessionID.String())
	q.Set("responded", "true")
	resp, err := c.do(ctx, http.MethodGet, "/records/prompt?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var page promptPage
	if err := decode(resp, &page); err != nil {
		return nil, err
	}
	return page.Records, nil
}

func (c *Client) PendingPrompts(ctx context.Context) ([]record.PromptRecord, error) {
	q := url.Values{}
	q.Set("responded", "false")
	resp, err := c.do(ctx, http.MethodGet, "/records/prompt?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var page promptPage
	if err := decode(resp, &page); err != nil {
		return nil, err
	}
	return page.Records, nil
}

type responseBody struct {
	ResponseText  string `json:"response_text"`
	RespondedFrom string `json:"responded_from"`
}

func (c *Client) SubmitResponse(ctx context.Context, promptID, text, device string) error {
	body := responseBody{ResponseText: text, RespondedFrom: device}
	resp, err := c.do(ctx, http.MethodPost, "/records/prompt/"+url.PathEscape(promptID)+"/response", body)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

func (c *Client) DeletePrompt(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/records/prompt/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

func (c *Client) RegisterSubscription(ctx context.Context, sub Subscription) error {
	resp, err := c.do(ctx, http.MethodPut, "/subscriptions/"+url.PathEscape(sub.ID), sub)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

type eventPage struct {
	Events  []Event `json:"events"`
	LastSeq int64   `json:"last_seq"`
}

func (c *Client) NextEvents(ctx context.Context, after int64) ([]Event, int64, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	resp, err := c.do(ctx, http.MethodGet, "/events?"+q.Encode(), nil)
	if err != nil {
		return nil, after, err
	}
	var page eventPage
	if err := decode(resp, &page); err != nil {
		return nil, after, err
	}
	if page.LastSeq < after {
		page.LastSeq = after
	}
	return page.Events, page.LastSeq, nil
}

var _ Store = (*Client)(nil)
