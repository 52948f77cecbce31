package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

type digestRecorder struct {
	sent []string
	to   []string
}

func (d *digestRecorder) ValidateAndCanonicalizeRecipient(r string) (string, error) { return r, nil }

func (d *digestRecorder) SendMessage(ctx context.Context, to, body string) error {
	d.to = append(d.to, to)
	d.sent = append(d.sent, body)
	return nil
}

func (d *digestRecorder) SendTyping(ctx context.Context, to string, typing bool) error { return nil }

func (d *digestRecorder) IsKnownContact(ctx context.Context, phone string) (bool, error) {
	return false, nil
}

func (d *digestRecorder) LabelChat(ctx context.Context, phone, labelID string, labeled bool) error {
	return nil
}

func (d *digestRecorder) Start(ctx context.Context) error            { return nil }
func (d *digestRecorder) Stop() error                                { return nil }
func (d *digestRecorder) Events() <-chan models.InboundEvent         { return nil }

func TestRunDigestSendsPendingSummary(t *testing.T) {
	st := store.NewInMemoryStore()
	for _, a := range []models.Appointment{
		{ID: "a1", Phone: "5491155550001", PatientName: "Ana", Service: "turno", Status: models.AppointmentStatusPending, CreatedAt: time.Now()},
		{ID: "a2", Phone: "5491155550002", Status: models.AppointmentStatusPending, CreatedAt: time.Now()},
		{ID: "a3", Phone: "5491155550003", Status: models.AppointmentStatusConfirmed, CreatedAt: time.Now()},
	} {
		if err := st.CreateAppointment(a); err != nil {
			t.Fatal(err)
		}
	}

	rec := &digestRecorder{}
	s := NewScheduler(st, rec, WithOperatorPhone("5491144440000"))

	if err := s.RunDigest(context.Background()); err != nil {
		t.Fatalf("RunDigest() error: %v", err)
	}
	if len(rec.sent) != 1 || rec.to[0] != "5491144440000" {
		t.Fatalf("digest delivery = %v -> %v", rec.sent, rec.to)
	}
	body := rec.sent[0]
	if !strings.Contains(body, "pendientes de confirmación: 2") {
		t.Errorf("digest header wrong: %q", body)
	}
	if !strings.Contains(body, "Ana") || !strings.Contains(body, "(sin nombre)") {
		t.Errorf("digest entries wrong: %q", body)
	}
	if strings.Contains(body, "5491155550003") {
		t.Errorf("confirmed appointment leaked into digest: %q", body)
	}
}

func TestRunDigestSkipsEmptyDay(t *testing.T) {
	rec := &digestRecorder{}
	s := NewScheduler(store.NewInMemoryStore(), rec, WithOperatorPhone("5491144440000"))

	if err := s.RunDigest(context.Background()); err != nil {
		t.Fatalf("RunDigest() error: %v", err)
	}
	if len(rec.sent) != 0 {
		t.Errorf("digest sent with no pending appointments: %v", rec.sent)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(store.NewInMemoryStore(), &digestRecorder{},
		WithOperatorPhone("5491144440000"), WithDigestSchedule("not a cron expr"))
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() accepted an invalid cron expression")
	}
}
