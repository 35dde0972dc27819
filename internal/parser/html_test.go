package parser

import "testing"

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{"empty", "", ""},
		{"paragraphs", "<p>Hello</p><p>World</p>", "Hello\nWorld"},
		{"drops style", "<style>p{color:red}</style><div>Hi​ there</div>", "Hi there"},
		{"drops gmail quote", `<div>Thanks!</div><div class="gmail_quote">On Mon Bob wrote: old</div>`, "Thanks!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HTMLToText(tt.html)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("HTMLToText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripQuoted(t *testing.T) {
	in := "Sounds good.\n\nOn Tue, 2 Jan 2024 at 10:00, Bob <bob@x.com> wrote:\n> earlier\n> text"
	if got := StripQuoted(in); got != "Sounds good." {
		t.Errorf("StripQuoted() = %q", got)
	}
	if got := StripQuoted("a\n> b\nc"); got != "a\nc" {
		t.Errorf("StripQuoted() = %q", got)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("short  text\nhere", 50); got != "short text here" {
		t.Errorf("Preview() = %q", got)
	}
	if got := Preview("abcdefghij", 4); got != "abcd…" {
		t.Errorf("Preview() = %q", got)
	}
}
