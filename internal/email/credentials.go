package email

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credentials is the decrypted token of an email account
type Credentials struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	IMAPServer string `json:"imapServer,omitempty"` // host:port, implicit TLS
	SMTPServer string `json:"smtpServer,omitempty"` // host:port
	Username   string `json:"username,omitempty"`   // Defaults to Email
}

// ParseCredentials decodes a token and fills in missing servers
func ParseCredentials(token string) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(token), &c); err != nil {
		return nil, fmt.Errorf("invalid email credentials: %w", err)
	}
	c.Email = strings.TrimSpace(c.Email)
	if c.Email == "" || c.Password == "" {
		return nil, fmt.Errorf("email credentials require email and password")
	}
	if c.Username == "" {
		c.Username = c.Email
	}
	if c.IMAPServer == "" {
		server, err := ResolveIMAPServer(c.Email)
		if err != nil {
			return nil, err
		}
		c.IMAPServer = server
	}
	if c.SMTPServer == "" {
		server, err := ResolveSMTPServer(c.Email)
		if err != nil {
			return nil, err
		}
		c.SMTPServer = server
	}
	return &c, nil
}

// Token encodes credentials for storage
func (c *Credentials) Token() string {
	b, _ := json.Marshal(c)
	return string(b)
}
