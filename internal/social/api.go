package social

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// User is an X account
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// DMEvent is one entry of /2/dm_events
type DMEvent struct {
	ID               string   `json:"id"`
	EventType        string   `json:"event_type"`
	Text             string   `json:"text"`
	SenderID         string   `json:"sender_id"`
	DMConversationID string   `json:"dm_conversation_id"`
	CreatedAt        string   `json:"created_at"`
	ParticipantIDs   []string `json:"participant_ids,omitempty"`
}

// DMEventsPage is one page of DM events, newest first
type DMEventsPage struct {
	Data     []DMEvent `json:"data"`
	Includes struct {
		Users []User `json:"users"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

// SentDM is the response of a DM send
type SentDM struct {
	DMConversationID string `json:"dm_conversation_id"`
	DMEventID        string `json:"dm_event_id"`
}

// Me returns the authenticated user
func (c *Client) Me(ctx context.Context, token string) (*User, http.Header, error) {
	var resp struct {
		Data User `json:"data"`
	}
	h, err := c.do(ctx, http.MethodGet, "/2/users/me", token, nil, &resp)
	if err != nil {
		return nil, h, err
	}
	return &resp.Data, h, nil
}

// DMEvents fetches one page of MessageCreate events across all conversations
func (c *Client) DMEvents(ctx context.Context, token, paginationToken string, maxResults int) (*DMEventsPage, http.Header, error) {
	q := url.Values{}
	q.Set("event_types", "MessageCreate")
	q.Set("dm_event.fields", "id,text,event_type,sender_id,dm_conversation_id,created_at,participant_ids")
	q.Set("expansions", "sender_id,participant_ids")
	q.Set("user.fields", "id,name,username")
	q.Set("max_results", strconv.Itoa(maxResults))
	if paginationToken != "" {
		q.Set("pagination_token", paginationToken)
	}

	var page DMEventsPage
	h, err := c.do(ctx, http.MethodGet, "/2/dm_events?"+q.Encode(), token, nil, &page)
	if err != nil {
		return nil, h, err
	}
	return &page, h, nil
}

// SendToUser sends a DM to a user, opening the 1:1 conversation if needed
func (c *Client) SendToUser(ctx context.Context, token, participantID, text string) (*SentDM, http.Header, error) {
	return c.send(ctx, token, fmt.Sprintf("/2/dm_conversations/with/%s/messages", url.PathEscape(participantID)), text)
}

// SendToConversation sends a DM to an existing (group) conversation
func (c *Client) SendToConversation(ctx context.Context, token, conversationID, text string) (*SentDM, http.Header, error) {
	return c.send(ctx, token, fmt.Sprintf("/2/dm_conversations/%s/messages", url.PathEscape(conversationID)), text)
}

func (c *Client) send(ctx context.Context, token, path, text string) (*SentDM, http.Header, error) {
	var resp struct {
		Data SentDM `json:"data"`
	}
	h, err := c.do(ctx, http.MethodPost, path, token, map[string]string{"text": text}, &resp)
	if err != nil {
		return nil, h, err
	}
	return &resp.Data, h, nil
}
