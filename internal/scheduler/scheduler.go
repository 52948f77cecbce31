// Package scheduler runs recurring background jobs, currently the daily
// digest of pending appointments sent to the operator's WhatsApp.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/dsalaberry/turnero/internal/messaging"
	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

// DefaultDigestSchedule fires the pending-appointments digest every morning.
const DefaultDigestSchedule = "0 8 * * *"

// Opts holds scheduler configuration.
type Opts struct {
	DigestSchedule string
	OperatorPhone  string
}

// Option configures the scheduler.
type Option func(*Opts)

// WithDigestSchedule sets the cron expression for the daily digest.
func WithDigestSchedule(expr string) Option {
	return func(o *Opts) { o.DigestSchedule = expr }
}

// WithOperatorPhone sets the number that receives the digest.
func WithOperatorPhone(phone string) Option {
	return func(o *Opts) { o.OperatorPhone = phone }
}

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	cron  *cron.Cron
	store store.Store
	msg   messaging.Service
	opts  Opts
}

// NewScheduler creates a Scheduler around the given store and transport.
func NewScheduler(st store.Store, msg messaging.Service, opts ...Option) *Scheduler {
	cfg := Opts{DigestSchedule: DefaultDigestSchedule}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		cron:  cron.New(),
		store: st,
		msg:   msg,
		opts:  cfg,
	}
}

// Start registers the jobs and starts the cron runner. Without an operator
// phone there is nothing to deliver, so the digest is skipped entirely.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.opts.OperatorPhone == "" {
		slog.Info("Scheduler no operator phone configured, digest disabled")
		return nil
	}
	_, err := s.cron.AddFunc(s.opts.DigestSchedule, func() {
		if err := s.RunDigest(ctx); err != nil {
			slog.Error("Scheduler digest run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid digest schedule %q: %w", s.opts.DigestSchedule, err)
	}
	s.cron.Start()
	slog.Info("Scheduler started", "digest_schedule", s.opts.DigestSchedule)
	return nil
}

// Stop stops the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	slog.Info("Scheduler stopped")
}

// RunDigest sends the operator a summary of appointments awaiting
// confirmation. A day with no pending appointments sends nothing.
func (s *Scheduler) RunDigest(ctx context.Context) error {
	pending, err := s.store.ListAppointments(models.AppointmentStatusPending)
	if err != nil {
		return fmt.Errorf("listing pending appointments: %w", err)
	}
	if len(pending) == 0 {
		slog.Debug("Scheduler digest skipped, no pending appointments")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Turnos pendientes de confirmación: %d\n", len(pending))
	for _, a := range pending {
		name := a.PatientName
		if name == "" {
			name = "(sin nombre)"
		}
		fmt.Fprintf(&b, "\n• %s — %s", name, a.Phone)
		if a.Service != "" {
			fmt.Fprintf(&b, " (%s)", a.Service)
		}
	}

	if err := s.msg.SendMessage(ctx, s.opts.OperatorPhone, b.String()); err != nil {
		return fmt.Errorf("sending digest: %w", err)
	}
	slog.Info("Scheduler digest sent", "pending", len(pending), "operator", s.opts.OperatorPhone)
	return nil
}
