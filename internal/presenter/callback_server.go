package presenter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// CallbackTimeout is how long to wait for the user to complete consent.
const CallbackTimeout = 10 * time.Minute

const callbackSuccessHTML = `<!DOCTYPE html>
<html>
<head><title>Login complete</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>Login complete</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`

const callbackErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Login failed</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>Login failed</h1>
<p>The provider reported an error. Return to the terminal for details.</p>
</body>
</html>`

// CallbackServer is a temporary loopback HTTP server that receives a single
// authorization redirect and then shuts down. It serves exactly the path of
// the configured redirect URI.
type CallbackServer struct {
	host string
	port string
	path string

	server   *http.Server
	listener net.Listener
	resultCh chan string
	errorCh  chan error
	once     sync.Once
}

// NewCallbackServer creates a callback server for the given loopback host,
// port and redirect path.
func NewCallbackServer(host, port, path string) *CallbackServer {
	if path == "" {
		path = "/"
	}
	return &CallbackServer{
		host:     host,
		port:     port,
		path:     path,
		resultCh: make(chan string, 1),
		errorCh:  make(chan error, 1),
	}
}

// Start begins listening for the redirect. The server stops when the context
// is cancelled or after the first callback has been handled.
func (s *CallbackServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.host, s.port))
	if err != nil {
		return fmt.Errorf("failed to start callback server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Wait blocks until the redirect arrives, the server fails, or the context
// is cancelled. It returns the raw query string of the callback request.
func (s *CallbackServer) Wait(ctx context.Context) (string, error) {
	select {
	case query := <-s.resultCh:
		return query, nil
	case err := <-s.errorCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

// processCallback runs exactly once. It renders a response page, hands the
// raw query to the waiter and schedules shutdown.
func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if r.URL.Query().Get("error") != "" {
		fmt.Fprint(w, callbackErrorHTML)
	} else {
		fmt.Fprint(w, callbackSuccessHTML)
	}

	select {
	case s.resultCh <- r.URL.RawQuery:
	default:
	}

	// Give the response time to flush before the listener goes away.
	go func() {
		time.Sleep(1 * time.Second)
		s.Stop()
	}()
}

// Stop gracefully shuts the server down.
func (s *CallbackServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Addr returns the address the server is listening on, valid after Start.
func (s *CallbackServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
