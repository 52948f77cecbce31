package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dsalaberry/turnero/internal/messaging"
	"github.com/dsalaberry/turnero/internal/models"
)

// TagAutoHandoff marks conversations that were paused by the engine rather
// than by an operator.
const TagAutoHandoff = "auto-handoff"

// DefaultAdvisorMessage is sent to the user when the bot steps aside.
const DefaultAdvisorMessage = "En breve un asesor te va a atender. ¡Gracias por tu paciencia! 🙏"

// HandoffOpts configures handoff behavior.
type HandoffOpts struct {
	AdvisorMessage string
	LabelID        string // WhatsApp Business label id to apply to handed-off chats
	OperatorPhone  string // bot owner's number for escalation notifications
}

// Handoff transfers a conversation from the bot to a human operator: it pauses
// the conversation, tags it, tells the user an advisor is coming, labels the
// chat in the business CRM and optionally notifies the operator number.
type Handoff struct {
	msg    messaging.Service
	sender PromptSender
	opts   HandoffOpts
}

// NewHandoff creates a Handoff. An empty AdvisorMessage falls back to the
// default.
func NewHandoff(msg messaging.Service, sender PromptSender, opts HandoffOpts) *Handoff {
	if opts.AdvisorMessage == "" {
		opts.AdvisorMessage = DefaultAdvisorMessage
	}
	return &Handoff{msg: msg, sender: sender, opts: opts}
}

// Execute performs the handoff. It mutates the conversation in memory (state
// and tags); the caller persists it. The fallback counter and current step are
// left untouched so the paused dialogue remains inspectable. Transport
// failures are logged but never abort the handoff.
func (h *Handoff) Execute(ctx context.Context, conv *models.Conversation, contact *models.Contact, reason, stepTitle string, notifyOperator bool) {
	conv.State = models.ConversationStatePaused
	conv.AddTags(TagAutoHandoff)
	slog.Info("Handoff pausing conversation",
		"phone", conv.Phone, "reason", reason, "step", stepTitle)

	if err := h.sender.SendPrompt(ctx, conv.Phone, h.opts.AdvisorMessage); err != nil {
		slog.Error("Handoff advisor message send failed", "error", err, "phone", conv.Phone)
	}

	if h.opts.LabelID != "" {
		if err := h.msg.LabelChat(ctx, conv.Phone, h.opts.LabelID, true); err != nil {
			slog.Error("Handoff chat label failed", "error", err, "phone", conv.Phone, "label", h.opts.LabelID)
		}
	}

	if notifyOperator && h.opts.OperatorPhone != "" {
		h.notifyOperator(ctx, conv, contact, reason, stepTitle)
	}
}

// notifyOperator sends an escalation summary to the operator number.
func (h *Handoff) notifyOperator(ctx context.Context, conv *models.Conversation, contact *models.Contact, reason, stepTitle string) {
	name := ""
	if contact != nil {
		name = contact.Name
	}
	if name == "" {
		name = "(sin nombre)"
	}
	summary := fmt.Sprintf("⚠️ Conversación derivada\nTeléfono: %s\nNombre: %s\nMotivo: %s\nÚltimo paso: %s",
		conv.Phone, name, reason, stepTitle)
	if err := h.msg.SendMessage(ctx, h.opts.OperatorPhone, summary); err != nil {
		slog.Error("Handoff operator notification failed", "error", err, "operator", h.opts.OperatorPhone)
	}
}
