// Package mailcapture provides the mail-capture side of the test
// environment: a client for the Mailpit HTTP API and an embedded
// in-process capture server exposing the same message-listing surface for
// hosts where the Mailpit container cannot run. Test bodies assert
// delivered mail through the client and never care which backend captured
// it.
package mailcapture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Address holds one mailbox address in the Mailpit wire shape.
type Address struct {
	Name    string `json:"Name"`
	Address string `json:"Address"`
}

// Message is one captured email in the Mailpit wire shape.
type Message struct {
	ID      string    `json:"ID"`
	From    Address   `json:"From"`
	To      []Address `json:"To"`
	Subject string    `json:"Subject"`
	Snippet string    `json:"Snippet"`
	Created time.Time `json:"Created"`
}

// messageStore is the shared in-memory mailbox behind the SMTP backend
// and the HTTP API.
type messageStore struct {
	mu       sync.Mutex
	messages []Message
}

func (s *messageStore) add(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *messageStore) list() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *messageStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Server is the embedded mail-capture service: an SMTP listener that
// stores every delivered message in memory and an HTTP API that serves
// them in the Mailpit response shape.
type Server struct {
	logger *slog.Logger
	store  *messageStore

	mu       sync.Mutex
	started  bool
	stopped  bool
	smtpSrv  *smtp.Server
	httpSrv  *http.Server
	smtpAddr string
	apiURL   string
}

// NewServer creates an embedded capture server. Nothing listens until
// Start is called.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, store: &messageStore{}}
}

// Start binds the SMTP and HTTP listeners on ephemeral ports. Calling
// Start twice is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	smtpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to bind smtp listener: %w", err)
	}

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		smtpLn.Close()
		return fmt.Errorf("failed to bind http listener: %w", err)
	}

	s.smtpSrv = smtp.NewServer(&backend{store: s.store, logger: s.logger})
	s.smtpSrv.Domain = "localhost"
	s.smtpSrv.AllowInsecureAuth = true
	s.smtpSrv.ReadTimeout = 30 * time.Second
	s.smtpSrv.WriteTimeout = 30 * time.Second

	s.httpSrv = &http.Server{Handler: s.routes()}

	go func() {
		if err := s.smtpSrv.Serve(smtpLn); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			s.logger.Error("smtp capture server exited", "error", err)
		}
	}()
	go func() {
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("mail capture api server exited", "error", err)
		}
	}()

	s.smtpAddr = smtpLn.Addr().String()
	s.apiURL = "http://" + httpLn.Addr().String()
	s.started = true

	s.logger.Info("embedded mail capture started", "smtp", s.smtpAddr, "api", s.apiURL)
	return nil
}

// Stop shuts both listeners down. The first call does the work; later
// calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if err := s.smtpSrv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop smtp listener: %w", err))
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop api listener: %w", err))
	}
	return errors.Join(errs...)
}

// SMTPAddr returns the host:port mail should be delivered to. Empty until
// Start has succeeded.
func (s *Server) SMTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.smtpAddr
}

// APIURL returns the base URL of the message-listing API. Empty until
// Start has succeeded.
func (s *Server) APIURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiURL
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/v1/info", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, infoResponse{
			Version:  "embedded",
			Messages: len(s.store.list()),
		})
	})

	r.Get("/api/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		messages := s.store.list()
		writeJSON(w, http.StatusOK, messagesResponse{
			Total:    len(messages),
			Messages: messages,
		})
	})

	r.Delete("/api/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		s.store.clear()
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// backend implements the go-smtp backend that captures every delivery.
type backend struct {
	store  *messageStore
	logger *slog.Logger
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{store: b.store, logger: b.logger}, nil
}

// session captures one SMTP transaction.
type session struct {
	store  *messageStore
	logger *slog.Logger

	from string
	to   []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read message data: %w", err)
	}

	msg := Message{
		ID:      uuid.NewString(),
		From:    Address{Address: s.from},
		Subject: parseSubject(raw),
		Snippet: snippet(raw),
		Created: time.Now().UTC(),
	}
	for _, rcpt := range s.to {
		msg.To = append(msg.To, Address{Address: rcpt})
	}

	s.store.add(msg)
	s.logger.Debug("captured message", "from", s.from, "subject", msg.Subject)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

// parseSubject extracts the Subject header from a raw RFC 5322 message.
func parseSubject(raw []byte) string {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return ""
	}
	return m.Header.Get("Subject")
}

// snippet returns the first non-empty body line, trimmed.
func snippet(raw []byte) string {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(m.Body, 4096))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(body), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
