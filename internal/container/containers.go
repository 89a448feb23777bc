// Package container starts the ephemeral service containers an
// integration-test run depends on: one Postgres instance and one Mailpit
// mail-capture instance, both pinned by image tag and both scoped to the
// whole run. Start is idempotent within a run and Stop releases the
// containers exactly once.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sovrium/sovrium-sub013/internal/config"
)

const (
	mailpitSMTPPort = "1025/tcp"
	mailpitHTTPPort = "8025/tcp"

	startTimeout = 2 * time.Minute
)

// Services owns the per-run service containers and their connection
// descriptors.
type Services struct {
	pgCfg  config.PostgresConfig
	mpCfg  config.MailpitConfig
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool

	pg      *postgres.PostgresContainer
	mailpit testcontainers.Container

	databaseURL     string
	mailpitSMTPAddr string
	mailpitAPIURL   string
}

// NewServices creates a Services manager. Nothing is started until Start
// is called.
func NewServices(pgCfg config.PostgresConfig, mpCfg config.MailpitConfig, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	return &Services{pgCfg: pgCfg, mpCfg: mpCfg, logger: logger}
}

// Start launches the Postgres and Mailpit containers and records their
// connection descriptors. Calling Start again on an already-started
// Services is a no-op, which keeps the single-start contract even if two
// setup paths race to initialize the environment.
func (s *Services) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Debug("service containers already started, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	if err := s.startPostgres(ctx); err != nil {
		return err
	}

	if s.mpCfg.Embedded {
		s.logger.Info("mail capture configured as embedded, skipping mailpit container")
	} else if err := s.startMailpit(ctx); err != nil {
		// Don't leak the database container when the second start fails.
		if termErr := s.pg.Terminate(context.WithoutCancel(ctx)); termErr != nil {
			s.logger.Warn("failed to terminate postgres after mailpit start failure", "error", termErr)
		}
		s.pg = nil
		return err
	}

	s.started = true
	return nil
}

func (s *Services) startPostgres(ctx context.Context) error {
	s.logger.Info("starting postgres container", "image", s.pgCfg.Image)

	pg, err := postgres.RunContainer(ctx,
		testcontainers.WithImage(s.pgCfg.Image),
		postgres.WithDatabase(s.pgCfg.Database),
		postgres.WithUsername(s.pgCfg.User),
		postgres.WithPassword(s.pgCfg.Password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("failed to start postgres container: %w", err)
	}

	url, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		if termErr := pg.Terminate(context.WithoutCancel(ctx)); termErr != nil {
			s.logger.Warn("failed to terminate postgres after descriptor error", "error", termErr)
		}
		return fmt.Errorf("failed to resolve postgres connection string: %w", err)
	}

	s.pg = pg
	s.databaseURL = url
	s.logger.Info("postgres container ready")
	return nil
}

func (s *Services) startMailpit(ctx context.Context) error {
	s.logger.Info("starting mailpit container", "image", s.mpCfg.Image)

	req := testcontainers.ContainerRequest{
		Image:        s.mpCfg.Image,
		ExposedPorts: []string{mailpitSMTPPort, mailpitHTTPPort},
		WaitingFor: wait.ForHTTP("/api/v1/info").
			WithPort(mailpitHTTPPort).
			WithStartupTimeout(time.Minute),
	}

	mailpit, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("failed to start mailpit container: %w", err)
	}

	host, err := mailpit.Host(ctx)
	if err != nil {
		return s.failMailpit(ctx, mailpit, fmt.Errorf("failed to resolve mailpit host: %w", err))
	}

	smtpPort, err := mailpit.MappedPort(ctx, mailpitSMTPPort)
	if err != nil {
		return s.failMailpit(ctx, mailpit, fmt.Errorf("failed to resolve mailpit smtp port: %w", err))
	}

	httpPort, err := mailpit.MappedPort(ctx, mailpitHTTPPort)
	if err != nil {
		return s.failMailpit(ctx, mailpit, fmt.Errorf("failed to resolve mailpit http port: %w", err))
	}

	s.mailpit = mailpit
	s.mailpitSMTPAddr = fmt.Sprintf("%s:%d", host, smtpPort.Int())
	s.mailpitAPIURL = fmt.Sprintf("http://%s:%d", host, httpPort.Int())
	s.logger.Info("mailpit container ready", "api_url", s.mailpitAPIURL)
	return nil
}

func (s *Services) failMailpit(ctx context.Context, c testcontainers.Container, err error) error {
	if termErr := c.Terminate(context.WithoutCancel(ctx)); termErr != nil {
		s.logger.Warn("failed to terminate mailpit after start failure", "error", termErr)
	}
	return err
}

// Stop terminates the containers. The first call does the work; later
// calls are no-ops, so teardown paths can call Stop without coordinating.
// Both containers are attempted even if terminating the first one fails.
func (s *Services) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if s.mailpit != nil {
		if err := s.mailpit.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop mailpit container: %w", err))
		}
		s.mailpit = nil
	}
	if s.pg != nil {
		if err := s.pg.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop postgres container: %w", err))
		}
		s.pg = nil
	}

	if len(errs) > 0 {
		for _, err := range errs {
			s.logger.Error("container stop failed", "error", err)
		}
		return errs[0]
	}

	s.logger.Info("service containers stopped")
	return nil
}

// DatabaseURL returns the Postgres connection descriptor. Empty until
// Start has succeeded.
func (s *Services) DatabaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.databaseURL
}

// MailpitSMTPAddr returns the host:port the application under test should
// deliver mail to. Empty until Start has succeeded or when mail capture is
// embedded.
func (s *Services) MailpitSMTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailpitSMTPAddr
}

// MailpitAPIURL returns the base URL of the Mailpit HTTP API. Empty until
// Start has succeeded or when mail capture is embedded.
func (s *Services) MailpitAPIURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailpitAPIURL
}
