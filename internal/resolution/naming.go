package resolution

import (
	"regexp"
	"strings"

	"github.com/mixelka/unibox/pkg/models"
)

// Leading reply/forward markers, possibly repeated ("Re: Fwd: RE:")
var replyPrefixRegex = regexp.MustCompile(`(?i)^\s*((re|fwd|fw)\s*:\s*)+`)

// NormalizeSubject strips reply/forward prefixes, lowercases and trims
func NormalizeSubject(subject string) string {
	subject = replyPrefixRegex.ReplaceAllString(subject, "")
	return strings.ToLower(strings.TrimSpace(subject))
}

// humanReadable reports whether name is neither an address nor the
// local part of one of the given addresses
func humanReadable(name string, addresses ...string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "@") {
		return false
	}
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if strings.EqualFold(name, localPart(addr)) {
			return false
		}
	}
	return true
}

// parentName keeps a known human-readable name, else takes the inbound
// sender's display name when it passes the same check, else the local part
// of the counterparty address
func parentName(current string, msg *models.NormalizedMessage, counterparty, account string) string {
	addrs := []string{counterparty, account, msg.SenderHandle}
	addrs = append(addrs, msg.Recipients...)

	if humanReadable(current, addrs...) {
		return current
	}
	if !msg.IsOutbound() && strings.EqualFold(msg.SenderHandle, counterparty) && humanReadable(msg.SenderName, addrs...) {
		return strings.TrimSpace(msg.SenderName)
	}
	if current != "" {
		return current
	}
	return localPart(counterparty)
}

// childName is the thread subject without reply markers
func childName(subject, parentName string) string {
	subject = strings.TrimSpace(replyPrefixRegex.ReplaceAllString(subject, ""))
	if subject == "" {
		return parentName
	}
	return subject
}

func localPart(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[:at]
	}
	return addr
}
