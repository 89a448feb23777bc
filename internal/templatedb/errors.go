package templatedb

import "errors"

var (
	// ErrTemplateExists is returned when CreateTemplate is called more
	// than once on the same Manager. The template is created exactly once
	// per run; a second call is a programming error, not a runtime
	// condition to silently absorb.
	ErrTemplateExists = errors.New("templatedb: template already created for this run")

	// ErrNoTemplate is returned when a clone is requested before
	// CreateTemplate has succeeded.
	ErrNoTemplate = errors.New("templatedb: no template database has been created")

	// ErrManagerClosed is returned when a clone is requested after
	// Cleanup has run.
	ErrManagerClosed = errors.New("templatedb: manager has been cleaned up")
)
