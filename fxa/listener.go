package fxa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RedirectListener captures the authorization code delivered to a loopback
// redirect URI. It backs the browser-fallback flow: the UI opens the
// provider's authorization URL in an external browser and the provider
// redirects the final code to this listener.
type RedirectListener struct {
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	codeCh   chan string
}

// NewRedirectListener constructs an unstarted listener.
func NewRedirectListener(logger *slog.Logger) *RedirectListener {
	return &RedirectListener{
		logger: logger,
		codeCh: make(chan string, 1),
	}
}

// Start binds a loopback port and begins serving. It returns the redirect
// URI to hand to the provider.
func (l *RedirectListener) Start() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("bind loopback listener: %w", err)
	}
	l.listener = listener

	r := chi.NewRouter()
	r.Get("/", l.handleRedirect)

	l.server = &http.Server{Handler: r}
	go func() {
		if err := l.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("redirect listener error", "error", err)
		}
	}()

	uri := fmt.Sprintf("http://%s/", listener.Addr())
	l.logger.Debug("redirect listener started", "uri", uri)
	return uri, nil
}

func (l *RedirectListener) handleRedirect(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	select {
	case l.codeCh <- code:
	default:
		// A code was already delivered; later hits are replays.
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body>Authentication completed. You can close this tab.</body></html>")
}

// Wait blocks until a code arrives or ctx expires.
func (l *RedirectListener) Wait(ctx context.Context) (string, error) {
	select {
	case code := <-l.codeCh:
		return code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close shuts the listener down.
func (l *RedirectListener) Close(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}
