package formatter

import (
	"html"
	"strings"
)

// Telegram rejects messages longer than 4096 characters
const telegramMaxLength = 4096

// TelegramFormatter prepares outbound text for the Bot API HTML parse mode
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{
		maxLength: telegramMaxLength - 96, // Leave room for the truncation marker
	}
}

// FormatOutbound escapes text and truncates it to fit one message
func (f *TelegramFormatter) FormatOutbound(text string) string {
	text = strings.TrimSpace(text)
	return f.escapeHTML(f.truncate(text, f.maxLength))
}

// escapeHTML escapes HTML special characters for Telegram
func (f *TelegramFormatter) escapeHTML(s string) string {
	return html.EscapeString(s)
}

// truncate truncates text to maxLen characters
func (f *TelegramFormatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}
