package email

import (
	"fmt"
	"net"
	"strings"
	"time"
)

type knownServer struct {
	imap string
	smtp string
}

// Mail servers for popular providers
var knownServers = map[string]knownServer{
	"gmail.com":      {"imap.gmail.com:993", "smtp.gmail.com:465"},
	"googlemail.com": {"imap.gmail.com:993", "smtp.gmail.com:465"},
	"outlook.com":    {"outlook.office365.com:993", "smtp.office365.com:587"},
	"hotmail.com":    {"outlook.office365.com:993", "smtp.office365.com:587"},
	"live.com":       {"outlook.office365.com:993", "smtp.office365.com:587"},
	"msn.com":        {"outlook.office365.com:993", "smtp.office365.com:587"},
	"yahoo.com":      {"imap.mail.yahoo.com:993", "smtp.mail.yahoo.com:465"},
	"yahoo.co.uk":    {"imap.mail.yahoo.com:993", "smtp.mail.yahoo.com:465"},
	"yandex.ru":      {"imap.yandex.ru:993", "smtp.yandex.ru:465"},
	"yandex.com":     {"imap.yandex.com:993", "smtp.yandex.com:465"},
	"mail.ru":        {"imap.mail.ru:993", "smtp.mail.ru:465"},
	"icloud.com":     {"imap.mail.me.com:993", "smtp.mail.me.com:587"},
	"me.com":         {"imap.mail.me.com:993", "smtp.mail.me.com:587"},
	"aol.com":        {"imap.aol.com:993", "smtp.aol.com:465"},
	"zoho.com":       {"imap.zoho.com:993", "smtp.zoho.com:465"},
	"proton.me":      {"127.0.0.1:1143", "127.0.0.1:1025"}, // Proton Mail Bridge
	"fastmail.com":   {"imap.fastmail.com:993", "smtp.fastmail.com:465"},
	"gmx.com":        {"imap.gmx.com:993", "mail.gmx.com:465"},
	"web.de":         {"imap.web.de:993", "smtp.web.de:587"},
}

// probe is replaced in tests
var probe = func(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ResolveIMAPServer determines the IMAP server for an email address
func ResolveIMAPServer(email string) (string, error) {
	domain := DomainOf(email)
	if domain == "" {
		return "", fmt.Errorf("invalid email format")
	}
	if s, ok := knownServers[domain]; ok {
		return s.imap, nil
	}
	return resolveByProbe(domain, []string{"imap", "mail"}, []int{993}), nil
}

// ResolveSMTPServer determines the SMTP submission server for an email address
func ResolveSMTPServer(email string) (string, error) {
	domain := DomainOf(email)
	if domain == "" {
		return "", fmt.Errorf("invalid email format")
	}
	if s, ok := knownServers[domain]; ok {
		return s.smtp, nil
	}
	return resolveByProbe(domain, []string{"smtp", "mail"}, []int{465, 587}), nil
}

// resolveByProbe tries <prefix>.<domain>, then hosts derived from the primary
// MX, and falls back to the first candidate
func resolveByProbe(domain string, prefixes []string, ports []int) string {
	bases := []string{domain}
	if mx, err := net.LookupMX(domain); err == nil && len(mx) > 0 {
		// mx.example.com -> example.com
		mxHost := strings.TrimSuffix(mx[0].Host, ".")
		if parts := strings.SplitN(mxHost, ".", 2); len(parts) == 2 && parts[1] != domain {
			bases = append(bases, parts[1])
		}
	}

	for _, base := range bases {
		for _, prefix := range prefixes {
			for _, port := range ports {
				host := prefix + "." + base
				if probe(host, port) {
					return fmt.Sprintf("%s:%d", host, port)
				}
			}
		}
	}
	return fmt.Sprintf("%s.%s:%d", prefixes[0], domain, ports[0])
}

// DomainOf extracts the lowercased domain from an email address
func DomainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// LocalPart returns the part of an address before '@'
func LocalPart(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 {
		return email[:at]
	}
	return email
}

// SplitHostPort splits host:port, assuming port when absent
func SplitHostPort(addr string, port string) (string, string) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, port
	}
	return host, p
}
