// Package harness wires the provisioning pieces into the global
// setup/teardown lifecycle a test run hangs off: container daemon →
// service containers → mail capture → template database → environment
// publication, with teardown in exactly the reverse order. Setup either
// completes fully and publishes the connection descriptors, or fails
// before publishing anything — no worker ever observes a half-built
// environment.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sovrium/sovrium-sub013/internal/ciutil"
	"github.com/sovrium/sovrium-sub013/internal/config"
	"github.com/sovrium/sovrium-sub013/internal/container"
	"github.com/sovrium/sovrium-sub013/internal/lifecycle"
	"github.com/sovrium/sovrium-sub013/internal/mailcapture"
	"github.com/sovrium/sovrium-sub013/internal/runtime"
	"github.com/sovrium/sovrium-sub013/internal/templatedb"
)

// Env holds the connection descriptors setup publishes for test workers.
// After publication these values are read-only; the environment variables
// carrying them across the process boundary are written exactly once.
type Env struct {
	// DatabaseURL identifies the Postgres server (its maintenance
	// database), from which per-test clones are derived.
	DatabaseURL string
	// TemplateName is the migrated template database on that server.
	TemplateName string
	// MailpitSMTPAddr is where the application under test delivers mail.
	MailpitSMTPAddr string
	// MailpitAPIURL is the message-listing API tests assert against.
	MailpitAPIURL string
}

// Harness owns the full environment lifecycle for one test run.
type Harness struct {
	cfg    *config.Config
	logger *slog.Logger

	services     *container.Services
	templates    *templatedb.Manager
	embeddedMail *mailcapture.Server
	runner       *lifecycle.Runner

	env Env
}

// New creates a Harness for the given configuration. Nothing starts until
// Setup is called.
func New(cfg *config.Config, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		cfg:      cfg,
		logger:   logger,
		services: container.NewServices(cfg.Postgres, cfg.Mailpit, logger),
	}
}

// Setup brings the environment up in dependency order and returns the
// published descriptors together with the teardown closure. The closure
// runs the teardowns in reverse, exactly once, attempting every step even
// when one fails. A setup error aborts the whole run: the harness tears
// down whatever it had started and returns without publishing.
func (h *Harness) Setup(ctx context.Context) (Env, lifecycle.TeardownFunc, error) {
	bootstrapper := runtime.New(h.cfg.Runtime, h.logger)

	steps := []lifecycle.Step{
		{
			Name:  "container daemon",
			Setup: bootstrapper.EnsureDaemon,
		},
		{
			Name:     "service containers",
			Setup:    h.services.Start,
			Teardown: h.services.Stop,
		},
	}

	if h.cfg.Mailpit.Embedded {
		h.embeddedMail = mailcapture.NewServer(h.logger)
		steps = append(steps, lifecycle.Step{
			Name:     "embedded mail capture",
			Setup:    h.embeddedMail.Start,
			Teardown: h.embeddedMail.Stop,
		})
	}

	steps = append(steps,
		lifecycle.Step{
			Name: "template database",
			Setup: func(ctx context.Context) error {
				// The manager needs the container's descriptor, which only
				// exists once the previous step has run.
				h.templates = templatedb.NewManager(
					h.services.DatabaseURL(), h.cfg.Postgres.TemplateName, h.logger)
				return h.templates.CreateTemplate(ctx)
			},
			Teardown: func(ctx context.Context) error {
				if h.templates == nil {
					return nil
				}
				return h.templates.Cleanup(ctx)
			},
		},
		lifecycle.Step{
			Name:  "publish environment",
			Setup: h.publish,
		},
	)

	h.runner = lifecycle.NewRunner(h.logger, steps...)

	teardown, err := h.runner.Up(ctx)
	if err != nil {
		return Env{}, nil, err
	}
	return h.env, teardown, nil
}

// Teardown releases the environment. It is the same exactly-once closure
// Setup returns, exposed for signal handlers that only hold the Harness.
func (h *Harness) Teardown(ctx context.Context) error {
	if h.runner == nil {
		return nil
	}
	return h.runner.Teardown(ctx)
}

// TemplateManager returns the template database manager. Nil before the
// template step has run.
func (h *Harness) TemplateManager() *templatedb.Manager {
	return h.templates
}

// publish records the descriptors and writes them to the process
// environment, the one cross-process channel parallel workers share.
// This runs last: everything the variables describe must already work.
func (h *Harness) publish(ctx context.Context) error {
	h.env = Env{
		DatabaseURL:  h.services.DatabaseURL(),
		TemplateName: h.cfg.Postgres.TemplateName,
	}

	if h.cfg.Mailpit.Embedded {
		h.env.MailpitSMTPAddr = h.embeddedMail.SMTPAddr()
		h.env.MailpitAPIURL = h.embeddedMail.APIURL()
	} else {
		h.env.MailpitSMTPAddr = h.services.MailpitSMTPAddr()
		h.env.MailpitAPIURL = h.services.MailpitAPIURL()
	}

	vars := map[string]string{
		ciutil.EnvDatabaseURL:        h.env.DatabaseURL,
		ciutil.EnvSovriumTestDBURL:   h.env.DatabaseURL,
		ciutil.EnvSovriumTemplateDB:  h.env.TemplateName,
		ciutil.EnvSovriumMailpitSMTP: h.env.MailpitSMTPAddr,
		ciutil.EnvSovriumMailpitAPI:  h.env.MailpitAPIURL,
	}
	for name, value := range vars {
		if err := os.Setenv(name, value); err != nil {
			return fmt.Errorf("failed to publish %s: %w", name, err)
		}
	}

	h.logger.Info("environment published",
		"database_url", ciutil.MaskSensitiveValue(h.env.DatabaseURL),
		"template", h.env.TemplateName,
		"mailpit_api", h.env.MailpitAPIURL,
	)
	return nil
}
