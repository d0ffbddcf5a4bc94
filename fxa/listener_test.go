package fxa

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestRedirectListenerCapturesCode(t *testing.T) {
	l := NewRedirectListener(testLogger())
	uri, err := l.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Close(context.Background())

	resp, err := http.Get(uri + "?code=abc&state=xyz")
	if err != nil {
		t.Fatalf("hit redirect: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redirect status: %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := l.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != "abc" {
		t.Fatalf("code: %q", code)
	}
}

func TestRedirectListenerIgnoresReplays(t *testing.T) {
	l := NewRedirectListener(testLogger())
	uri, err := l.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Close(context.Background())

	for _, code := range []string{"first", "second"} {
		resp, err := http.Get(uri + "?code=" + code)
		if err != nil {
			t.Fatalf("hit redirect: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := l.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != "first" {
		t.Fatalf("expected the first delivered code, got %q", code)
	}
}

func TestRedirectListenerRejectsMissingCode(t *testing.T) {
	l := NewRedirectListener(testLogger())
	uri, err := l.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Close(context.Background())

	resp, err := http.Get(uri)
	if err != nil {
		t.Fatalf("hit redirect: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing code status: %d", resp.StatusCode)
	}
}
