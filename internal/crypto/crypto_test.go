package crypto

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	c, err := New(strings.Repeat("k", 32))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := c.Encrypt("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if enc == "hunter2" {
		t.Fatal("value not encrypted")
	}
	dec, err := c.Decrypt(enc)
	if err != nil || dec != "hunter2" {
		t.Fatalf("Decrypt() = %q, %v", dec, err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	a, _ := New(strings.Repeat("a", 32))
	b, _ := New(strings.Repeat("b", 32))
	enc, err := a.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(enc); err == nil {
		t.Fatal("Decrypt() with wrong key succeeded")
	}
}

func TestNew_BadKey(t *testing.T) {
	if _, err := New("short"); err == nil {
		t.Fatal("New() accepted a short key")
	}
}
