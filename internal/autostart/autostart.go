// Package autostart launches the sessions a templates file marks for
// automatic start.
package autostart

import (
	"context"
	"fmt"

	"github.com/vanpelt/shellhost/internal/logger"
	"github.com/vanpelt/shellhost/internal/manager"
	"github.com/vanpelt/shellhost/internal/session"
	"github.com/vanpelt/shellhost/internal/templates"
)

// Creator is the part of the manager the driver needs.
type Creator interface {
	CreateSession(ctx context.Context, tpl templates.Resolved, opts manager.CreateOptions) (*session.Session, error)
}

// Failure records a template that could not be started.
type Failure struct {
	TemplateID string
	Err        error
}

func (f Failure) Error() string {
	return fmt.Sprintf("autostart %s: %v", f.TemplateID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Result summarizes one Run.
type Result struct {
	Started  []*session.Session
	Skipped  []string
	Failures []Failure
}

// Run creates a session for every template with autostart set. A template
// that fails never stops the others.
func Run(ctx context.Context, c Creator, tpls []templates.Resolved) Result {
	log := logger.For("autostart")
	var res Result
	for _, tpl := range tpls {
		if !tpl.Autostart {
			res.Skipped = append(res.Skipped, tpl.ID)
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, Failure{TemplateID: tpl.ID, Err: err})
			continue
		}
		s, err := c.CreateSession(ctx, tpl, manager.CreateOptions{})
		if err != nil {
			log.Error().Err(err).Str("template_id", tpl.ID).Msg("❌ Failed to auto-start session")
			res.Failures = append(res.Failures, Failure{TemplateID: tpl.ID, Err: err})
			continue
		}
		log.Info().Str("template_id", tpl.ID).Str("session_id", s.ID()).Msg("✅ Auto-started session")
		res.Started = append(res.Started, s)
	}
	return res
}

// RunFile loads templates from path and runs them. An empty path is a no-op.
func RunFile(ctx context.Context, c Creator, path string) (Result, error) {
	if path == "" {
		return Result{}, nil
	}
	tpls, err := templates.LoadFile(path)
	if err != nil {
		return Result{}, err
	}
	return Run(ctx, c, tpls), nil
}
