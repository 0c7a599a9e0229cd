package main

import (
	"testing"
	"time"
)

func TestParseTexts(t *testing.T) {
	got, err := parseTexts(" a | |b ")
	if err != nil {
		t.Fatalf("parseTexts() error = %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("parseTexts() = %q, want [a b]", got)
	}

	if _, err := parseTexts(" | "); err == nil {
		t.Fatalf("parseTexts() error = nil, want error for empty prompts")
	}

	def, err := parseTexts("")
	if err != nil || len(def) != len(defaultPrompts) {
		t.Fatalf("parseTexts(\"\") = %q, %v; want defaults", def, err)
	}
}

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://chat.example.com/base/", "s 1")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	want := "wss://chat.example.com/base/v1/chat/session/ws?session_id=s+1"
	if got != want {
		t.Fatalf("wsURLForSession() = %q, want %q", got, want)
	}

	if _, err := wsURLForSession("ftp://x", "s"); err == nil {
		t.Fatalf("wsURLForSession() error = nil, want unsupported scheme error")
	}
}

func TestSummarize(t *testing.T) {
	results := []turnResult{
		{latency: 300 * time.Millisecond},
		{latency: 100 * time.Millisecond},
		{latency: 200 * time.Millisecond},
	}
	s := summarize(results)
	if s.Turns != 3 || s.MinMS != 100 || s.MaxMS != 300 || s.AvgMS != 200 || s.P95MS != 300 {
		t.Fatalf("summarize() = %+v", s)
	}
	if got := summarize(nil); got.Turns != 0 {
		t.Fatalf("summarize(nil) = %+v, want zero", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("こんにちは世界", 5); got != "こんにちは…" {
		t.Fatalf("truncate() = %q", got)
	}
	if got := truncate("hi", 5); got != "hi" {
		t.Fatalf("truncate() = %q", got)
	}
}
