package email

import (
	"encoding/json"
	"fmt"
)

// Cursor holds independent UID high-water marks for INBOX and Sent.
// Zero means backfill up to the retrieval cap.
type Cursor struct {
	Inbox uint32 `json:"Inbox"`
	Sent  uint32 `json:"Sent"`
}

// ParseCursor decodes a stored cursor; empty input is the zero cursor
func ParseCursor(s string) (Cursor, error) {
	var c Cursor
	if s == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Cursor{}, fmt.Errorf("invalid email cursor %q: %w", s, err)
	}
	return c, nil
}

// String encodes the cursor for storage
func (c Cursor) String() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// Advance returns a cursor that covers every fetched UID
func (c Cursor) Advance(inbox, sent []*RawEmail) Cursor {
	for _, e := range inbox {
		if e.UID > c.Inbox {
			c.Inbox = e.UID
		}
	}
	for _, e := range sent {
		if e.UID > c.Sent {
			c.Sent = e.UID
		}
	}
	return c
}
