package formatter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFormatOutbound(t *testing.T) {
	f := NewTelegramFormatter()

	if got := f.FormatOutbound("  a < b & c  "); got != "a &lt; b &amp; c" {
		t.Errorf("FormatOutbound() = %q", got)
	}

	long := strings.Repeat("я", 5000)
	got := f.FormatOutbound(long)
	if n := utf8.RuneCountInString(got); n > telegramMaxLength {
		t.Errorf("FormatOutbound() length = %d, over the Bot API limit", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncated text has no marker")
	}
}
