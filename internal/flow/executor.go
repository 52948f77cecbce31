package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dsalaberry/turnero/internal/models"
)

// FallbackThreshold is the consecutive-message count above which a stalled
// step escalates to handoff. The counter starts at 1 when the step prompt is
// sent, so the threshold is crossed on the third unmatched reply.
const FallbackThreshold = 3

// handoffKeywords trigger an immediate escalation when they appear anywhere in
// an unmatched reply. Both accented and unaccented spellings are listed
// because phone keyboards produce either.
var handoffKeywords = []string{"humano", "asesor", "persona", "ayuda", "atencion", "atención"}

// OutcomeKind classifies what Advance did with an inbound message.
type OutcomeKind string

const (
	// OutcomeSentInitial means the current step's prompt had not been sent
	// yet, so the message was consumed by delivering it.
	OutcomeSentInitial OutcomeKind = "sent_initial"
	// OutcomeMatched means the input matched an option and the conversation
	// moved to the option's target step.
	OutcomeMatched OutcomeKind = "matched"
	// OutcomeFallback means the input matched nothing and the fallback
	// message was sent.
	OutcomeFallback OutcomeKind = "fallback"
	// OutcomeEscalated means the conversation must be handed off to a human.
	OutcomeEscalated OutcomeKind = "escalated"
)

// EscalationReason explains an OutcomeEscalated.
type EscalationReason string

const (
	ReasonHandoffKeyword EscalationReason = "handoff_keyword"
	ReasonLoopDetected   EscalationReason = "loop_detected"
)

// Outcome is the result of advancing a conversation by one inbound message.
type Outcome struct {
	Kind          OutcomeKind
	Step          models.Step // the step the conversation sits on after Advance
	FallbackCount int         // consecutive unmatched inputs on the current step
	Reason        EscalationReason
}

// PromptSender delivers rendered step output to a phone. The engine implements
// it with typing indication, the message log and send-failure tolerance.
type PromptSender interface {
	SendPrompt(ctx context.Context, phone, body string) error
}

// Executor advances a conversation through its flow's step graph. It mutates
// the conversation in memory only; the caller persists the result.
type Executor struct {
	sender     PromptSender
	dispatcher *Dispatcher
}

// NewExecutor creates an Executor.
func NewExecutor(sender PromptSender, dispatcher *Dispatcher) *Executor {
	return &Executor{sender: sender, dispatcher: dispatcher}
}

// Advance processes one inbound message against the conversation's current
// step. It never mutates the conversation on error, and a fallback or
// escalation never changes the current step.
func (e *Executor) Advance(ctx context.Context, conv *models.Conversation, contact *models.Contact, content *models.FlowContent, input string) (Outcome, error) {
	step, err := content.Step(conv.CurrentStepID)
	if err != nil {
		return Outcome{}, err
	}

	// Counter 0 means the step prompt is still pending: deliver it and
	// consume the message without interpreting it as an answer.
	if conv.Loop.MessagesInCurrentStep == 0 {
		e.sendStep(ctx, conv.Phone, step)
		conv.Loop.MessagesInCurrentStep = 1
		return Outcome{Kind: OutcomeSentInitial, Step: step}, nil
	}

	normalized := normalizeInput(input)
	if opt, ok := matchOption(step, normalized); ok {
		next, err := content.Step(opt.NextStepID)
		if err != nil {
			return Outcome{}, err
		}
		conv.CurrentStepID = next.ID
		conv.Loop = models.LoopDetection{
			CurrentStepID:    next.ID,
			LastStepChangeAt: time.Now(),
		}
		e.dispatcher.Run(ctx, conv, contact, next)
		e.sendStep(ctx, conv.Phone, next)
		conv.Loop.MessagesInCurrentStep = 1
		slog.Info("Executor step transition",
			"phone", conv.Phone, "from", step.ID, "to", next.ID, "option", opt.Key)
		return Outcome{Kind: OutcomeMatched, Step: next}, nil
	}

	if containsHandoffKeyword(normalized) {
		slog.Info("Executor handoff keyword detected", "phone", conv.Phone, "step", step.ID)
		return Outcome{Kind: OutcomeEscalated, Step: step, Reason: ReasonHandoffKeyword}, nil
	}

	conv.Loop.MessagesInCurrentStep++
	misses := conv.Loop.MessagesInCurrentStep - 1
	if conv.Loop.MessagesInCurrentStep > FallbackThreshold {
		slog.Warn("Executor loop detected",
			"phone", conv.Phone, "step", step.ID, "unmatched", misses)
		return Outcome{Kind: OutcomeEscalated, Step: step, FallbackCount: misses, Reason: ReasonLoopDetected}, nil
	}

	if err := e.sender.SendPrompt(ctx, conv.Phone, content.FallbackMessage); err != nil {
		slog.Error("Executor fallback send failed", "error", err, "phone", conv.Phone)
	}
	return Outcome{Kind: OutcomeFallback, Step: step, FallbackCount: misses}, nil
}

// sendStep renders and delivers a step prompt. Send failures are logged and
// swallowed so state bookkeeping stays authoritative.
func (e *Executor) sendStep(ctx context.Context, phone string, step models.Step) {
	if err := e.sender.SendPrompt(ctx, phone, Render(step)); err != nil {
		slog.Error("Executor step prompt send failed", "error", err, "phone", phone, "step", step.ID)
	}
}

// matchOption finds the first option the normalized input selects: the option
// key (case-insensitive), the full label, or the legacy "volve" shortcut kept
// for flows that bound returning patients to the "M" key.
func matchOption(step models.Step, normalized string) (models.Option, bool) {
	if normalized == "" {
		return models.Option{}, false
	}
	for _, opt := range step.Options {
		if normalized == strings.ToLower(opt.Key) {
			return opt, true
		}
		if normalized == strings.ToLower(opt.Label) {
			return opt, true
		}
		if strings.EqualFold(opt.Key, "m") && strings.Contains(normalized, "volve") {
			return opt, true
		}
	}
	return models.Option{}, false
}

// containsHandoffKeyword reports whether the normalized input mentions a
// request for a human.
func containsHandoffKeyword(normalized string) bool {
	for _, kw := range handoffKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}
