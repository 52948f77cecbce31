package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

// Dispatcher executes the side effects a step declares when it is entered.
// Side-effect failures are logged and never propagate: a broken payment link
// or a slow appointment insert must not derail the dialogue.
type Dispatcher struct {
	store   store.Store
	sender  PromptSender
	handoff *Handoff
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, sender PromptSender, handoff *Handoff) *Dispatcher {
	return &Dispatcher{store: st, sender: sender, handoff: handoff}
}

// Run applies the step's declared actions to the conversation. Tag additions
// run first so an appointment registered by the same step sees them.
func (d *Dispatcher) Run(ctx context.Context, conv *models.Conversation, contact *models.Contact, step models.Step) {
	if step.Actions == nil {
		return
	}

	if len(step.Actions.AddTags) > 0 {
		conv.AddTags(step.Actions.AddTags...)
		slog.Debug("Dispatcher tags added", "phone", conv.Phone, "step", step.ID, "tags", step.Actions.AddTags)
	}

	if step.Actions.RegisterAppointment {
		d.registerAppointment(ctx, conv, contact)
	}

	if step.Actions.PauseConversation {
		// Steps that intentionally end the automated flow pause without
		// pinging the operator number.
		d.handoff.Execute(ctx, conv, contact, "step_pause", step.Title, false)
	}
}

// registerAppointment creates a pending appointment from the conversation's
// accumulated tags and the contact's identity, then sends the payment link if
// one is configured.
func (d *Dispatcher) registerAppointment(ctx context.Context, conv *models.Conversation, contact *models.Contact) {
	appt := models.Appointment{
		ID:        uuid.New().String(),
		Phone:     conv.Phone,
		Service:   serviceFromTags(conv.Tags),
		Status:    models.AppointmentStatusPending,
		CreatedAt: time.Now(),
	}
	if contact != nil {
		appt.PatientName = contact.Name
		appt.PatientDNI = contact.DNI
	}
	if err := d.store.CreateAppointment(appt); err != nil {
		slog.Error("Dispatcher appointment creation failed", "error", err, "phone", conv.Phone)
		return
	}
	slog.Info("Dispatcher appointment registered",
		"phone", conv.Phone, "appointment", appt.ID, "service", appt.Service)

	var payment models.PaymentConfig
	found, err := d.store.GetSetting(models.SettingPaymentConfig, &payment)
	if err != nil {
		slog.Error("Dispatcher payment config lookup failed", "error", err)
		return
	}
	if !found || !payment.Enabled || payment.Link == "" {
		return
	}
	if err := d.sender.SendPrompt(ctx, conv.Phone, payment.RenderMessage()); err != nil {
		slog.Error("Dispatcher payment message send failed", "error", err, "phone", conv.Phone)
	}
}

// serviceFromTags derives a human-readable service description from the
// conversation's tags, skipping bookkeeping tags.
func serviceFromTags(tags []string) string {
	var parts []string
	for _, t := range tags {
		if t == TagAutoHandoff {
			continue
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, ", ")
}
