package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dsalaberry/turnero/internal/messaging"
	"github.com/dsalaberry/turnero/internal/models"
	"github.com/dsalaberry/turnero/internal/store"
)

// DefaultTypingDelay is how long the typing indicator shows before each send.
const DefaultTypingDelay = 1500 * time.Millisecond

// callRejectedLogBody is what a rejected voice call looks like in the message log.
const callRejectedLogBody = "[llamada rechazada]"

// phoneQueueSize bounds how many inbound events may back up for one phone
// before further ones are dropped.
const phoneQueueSize = 32

// phoneWorkerIdleAfter is how long a phone's worker waits for another event
// before exiting and releasing its queue.
const phoneWorkerIdleAfter = 5 * time.Minute

// Opts holds engine configuration.
type Opts struct {
	TypingDelay    time.Duration
	AdvisorMessage string
	HandoffLabelID string
	OperatorPhone  string
}

// Option configures the engine.
type Option func(*Opts)

// WithTypingDelay sets the pause between the typing indicator and the send.
func WithTypingDelay(d time.Duration) Option {
	return func(o *Opts) { o.TypingDelay = d }
}

// WithAdvisorMessage overrides the handoff message sent to users.
func WithAdvisorMessage(msg string) Option {
	return func(o *Opts) { o.AdvisorMessage = msg }
}

// WithHandoffLabelID sets the CRM chat label applied on handoff.
func WithHandoffLabelID(id string) Option {
	return func(o *Opts) { o.HandoffLabelID = id }
}

// WithOperatorPhone sets the number notified on escalations.
func WithOperatorPhone(phone string) Option {
	return func(o *Opts) { o.OperatorPhone = phone }
}

// Engine consumes inbound events and drives conversations through their
// flows. Events for the same phone are serialized; distinct phones advance
// concurrently.
type Engine struct {
	store    store.Store
	msg      messaging.Service
	selector *Selector
	executor *Executor
	handoff  *Handoff
	opts     Opts

	mu     sync.Mutex
	queues map[string]chan models.InboundEvent
}

// NewEngine wires the selector, executor, dispatcher and handoff around the
// given store and transport.
func NewEngine(st store.Store, msg messaging.Service, opts ...Option) *Engine {
	cfg := Opts{
		TypingDelay:    DefaultTypingDelay,
		AdvisorMessage: DefaultAdvisorMessage,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		store:    st,
		msg:      msg,
		selector: NewSelector(st),
		opts:     cfg,
		queues:   make(map[string]chan models.InboundEvent),
	}
	e.handoff = NewHandoff(msg, e, HandoffOpts{
		AdvisorMessage: cfg.AdvisorMessage,
		LabelID:        cfg.HandoffLabelID,
		OperatorPhone:  cfg.OperatorPhone,
	})
	dispatcher := NewDispatcher(st, e, e.handoff)
	e.executor = NewExecutor(e, dispatcher)
	return e
}

// Run consumes the transport's event channel until the context is cancelled
// or the channel closes. Events for one phone are fed to a single worker in
// delivery order; distinct phones run on distinct workers.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine stopping (context cancelled)")
			return
		case ev, ok := <-e.msg.Events():
			if !ok {
				slog.Info("Engine stopping (event channel closed)")
				return
			}
			e.dispatch(ctx, ev)
		}
	}
}

// dispatch enqueues the event on its phone's worker, starting one for phones
// without a live worker. Enqueueing happens under the map lock so a worker
// draining on idle exit cannot strand an event on a dead queue.
func (e *Engine) dispatch(ctx context.Context, ev models.InboundEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[ev.Phone]
	if !ok {
		q = make(chan models.InboundEvent, phoneQueueSize)
		e.queues[ev.Phone] = q
		go e.phoneWorker(ctx, ev.Phone, q)
	}
	select {
	case q <- ev:
	default:
		slog.Warn("Engine phone queue full, dropping event",
			"phone", ev.Phone, "message_id", ev.MessageID, "kind", ev.Kind)
	}
}

// phoneWorker drains one phone's queue in arrival order. It exits after an
// idle period, removing its queue so the map does not accumulate an entry for
// every phone ever seen.
func (e *Engine) phoneWorker(ctx context.Context, phone string, q chan models.InboundEvent) {
	idle := time.NewTimer(phoneWorkerIdleAfter)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			if err := e.HandleEvent(ctx, ev); err != nil {
				slog.Error("Engine event handling failed", "error", err, "phone", ev.Phone, "kind", ev.Kind)
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(phoneWorkerIdleAfter)
		case <-idle.C:
			e.mu.Lock()
			if len(q) > 0 {
				e.mu.Unlock()
				idle.Reset(phoneWorkerIdleAfter)
				continue
			}
			delete(e.queues, phone)
			e.mu.Unlock()
			return
		}
	}
}

// HandleEvent processes one inbound event end to end: dedup, contact
// bookkeeping, message log, business hours, flow selection and the step
// state machine. Run delivers same-phone events here one at a time in
// arrival order; callers bypassing Run must serialize per phone themselves.
func (e *Engine) HandleEvent(ctx context.Context, ev models.InboundEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Source == "" {
		ev.Source = models.SourceOrganic
	}

	// Transport-level dedup: a redelivered message id is dropped whole.
	fresh, err := e.store.RecordInbound(ev.MessageID, ev.Phone)
	if err != nil {
		return fmt.Errorf("inbound dedup check: %w", err)
	}
	if !fresh {
		slog.Debug("Engine dropping duplicate inbound", "phone", ev.Phone, "message_id", ev.MessageID)
		return nil
	}

	contact, err := e.store.FindOrCreateContact(ev.Phone, ev.Source, ev.PushName)
	if err != nil {
		return fmt.Errorf("contact lookup: %w", err)
	}
	if err := e.store.TouchContact(ev.Phone); err != nil {
		slog.Warn("Engine contact touch failed", "error", err, "phone", ev.Phone)
	}

	body := ev.Text
	if ev.Kind == models.EventCallRejected {
		body = callRejectedLogBody
	}
	if err := e.store.AppendMessage(models.Message{
		Phone:     ev.Phone,
		Direction: models.DirectionIn,
		Body:      body,
		Timestamp: ev.Timestamp,
	}); err != nil {
		slog.Warn("Engine inbound message log failed", "error", err, "phone", ev.Phone)
	}

	// Out of hours the closed notice goes out, but the flow still runs so
	// the contact is not left without options.
	e.maybeSendClosedNotice(ctx, ev.Phone)

	conv, err := e.store.OpenConversation(ev.Phone)
	if err != nil {
		return fmt.Errorf("conversation lookup: %w", err)
	}

	isKnown := false
	if known, err := e.msg.IsKnownContact(ctx, ev.Phone); err != nil {
		slog.Warn("Engine contact check failed, treating as unknown", "error", err, "phone", ev.Phone)
	} else {
		isKnown = known
	}
	sig := Signals{Source: ev.Source, IsKnown: isKnown, InboundText: ev.Text}

	if conv == nil {
		return e.startConversation(ctx, ev, contact, sig)
	}

	if conv.State == models.ConversationStatePaused {
		// A human operator owns this dialogue until it is resumed or closed.
		slog.Debug("Engine ignoring event on paused conversation", "phone", ev.Phone, "conversation", conv.ID)
		return nil
	}

	if ev.Kind == models.EventTextMessage {
		if restarted, err := e.maybeForceRestart(ctx, ev, conv, contact, sig); restarted || err != nil {
			return err
		}
	}

	return e.advance(ctx, ev, conv, contact)
}

// startConversation selects a flow for a first-contact event and opens a new
// conversation on its entry step. No matching flow means the engine stays
// silent.
func (e *Engine) startConversation(ctx context.Context, ev models.InboundEvent, contact *models.Contact, sig Signals) error {
	f, err := e.selector.Select(ctx, sig)
	if err != nil {
		return fmt.Errorf("flow selection: %w", err)
	}
	if f == nil {
		slog.Debug("Engine no applicable flow, staying silent", "phone", ev.Phone)
		return nil
	}
	return e.startConversationOn(ctx, ev, contact, f)
}

// startConversationOn opens a new conversation pinned to the given flow's
// published content and delivers its entry prompt.
func (e *Engine) startConversationOn(ctx context.Context, ev models.InboundEvent, contact *models.Contact, f *models.Flow) error {
	if f.Published == nil {
		return fmt.Errorf("flow %s: %w", f.ID, models.ErrNoPublishedContent)
	}

	now := time.Now()
	conv := models.Conversation{
		ID:            uuid.New().String(),
		Phone:         ev.Phone,
		FlowID:        f.ID,
		FlowVersion:   f.PublishedVersion,
		CurrentStepID: f.Published.EntryStepID,
		State:         models.ConversationStateActive,
		Loop: models.LoopDetection{
			CurrentStepID:    f.Published.EntryStepID,
			LastStepChangeAt: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateConversation(conv); err != nil {
		return fmt.Errorf("conversation create: %w", err)
	}
	slog.Info("Engine conversation started",
		"phone", ev.Phone, "flow", f.Name, "version", f.PublishedVersion, "conversation", conv.ID)

	pre := preconditionOf(conv)
	if _, err := e.executor.Advance(ctx, &conv, contact, f.Published, ""); err != nil {
		return fmt.Errorf("entry step: %w", err)
	}
	return e.persist(conv, pre)
}

// maybeForceRestart checks whether a force-restart flow claims this message.
// When one does, the current conversation closes and a fresh one starts on
// the claiming flow.
func (e *Engine) maybeForceRestart(ctx context.Context, ev models.InboundEvent, conv *models.Conversation, contact *models.Contact, sig Signals) (bool, error) {
	forceSig := sig
	forceSig.ForceOnly = true
	f, err := e.selector.Select(ctx, forceSig)
	if err != nil {
		return false, fmt.Errorf("force-restart selection: %w", err)
	}
	if f == nil {
		return false, nil
	}

	pre := preconditionOf(*conv)
	closed := *conv
	closed.State = models.ConversationStateClosed
	if err := e.store.UpdateConversation(closed, pre); err != nil {
		if errors.Is(err, models.ErrConversationConflict) {
			slog.Warn("Engine force-restart lost a concurrent update, dropping event",
				"phone", ev.Phone, "conversation", conv.ID)
			return true, nil
		}
		return false, fmt.Errorf("conversation close: %w", err)
	}
	slog.Info("Engine force-restart", "phone", ev.Phone, "old_conversation", conv.ID, "flow", f.Name)

	// The fresh conversation starts on the flow that claimed the interrupt,
	// not on a re-selection that could land elsewhere.
	return true, e.startConversationOn(ctx, ev, contact, f)
}

// advance runs the step state machine for one message on an active
// conversation and persists the result under the loaded precondition.
func (e *Engine) advance(ctx context.Context, ev models.InboundEvent, conv *models.Conversation, contact *models.Contact) error {
	f, err := e.store.FlowByVersion(conv.FlowID, conv.FlowVersion)
	if err != nil {
		return fmt.Errorf("flow load: %w", err)
	}
	if f == nil || f.Published == nil {
		// The pinned version disappeared (republish or deletion). The state
		// is left untouched so an operator can inspect and close it.
		slog.Error("Engine pinned flow version unavailable, aborting",
			"phone", ev.Phone, "flow_id", conv.FlowID, "version", conv.FlowVersion)
		return fmt.Errorf("flow %s version %d: %w", conv.FlowID, conv.FlowVersion, models.ErrFlowVersionNotFound)
	}

	pre := preconditionOf(*conv)
	outcome, err := e.executor.Advance(ctx, conv, contact, f.Published, ev.Text)
	if err != nil {
		return fmt.Errorf("step advance: %w", err)
	}

	if outcome.Kind == OutcomeEscalated {
		e.handoff.Execute(ctx, conv, contact, string(outcome.Reason), outcome.Step.Title, true)
	}

	return e.persist(*conv, pre)
}

// persist writes the conversation under its optimistic precondition. A
// conflict means a concurrent handler already applied this or a newer update;
// the event's effects on the conversation row are discarded.
func (e *Engine) persist(conv models.Conversation, pre store.ConversationPrecondition) error {
	if err := e.store.UpdateConversation(conv, pre); err != nil {
		if errors.Is(err, models.ErrConversationConflict) {
			slog.Warn("Engine conversation update conflicted, discarding",
				"phone", conv.Phone, "conversation", conv.ID)
			return nil
		}
		return fmt.Errorf("conversation update: %w", err)
	}
	return nil
}

// SendPrompt implements PromptSender: typing indicator, a short human-feeling
// delay, the send itself and the outbound message log. Send failures are
// returned for the caller to log; bookkeeping must proceed regardless.
func (e *Engine) SendPrompt(ctx context.Context, phone, body string) error {
	if body == "" {
		return nil
	}
	if err := e.msg.SendTyping(ctx, phone, true); err != nil {
		slog.Debug("Engine typing indicator failed", "error", err, "phone", phone)
	}
	if e.opts.TypingDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.TypingDelay):
		}
	}
	defer func() {
		if err := e.msg.SendTyping(ctx, phone, false); err != nil {
			slog.Debug("Engine typing indicator reset failed", "error", err, "phone", phone)
		}
	}()

	if err := e.msg.SendMessage(ctx, phone, body); err != nil {
		return err
	}
	if err := e.store.AppendMessage(models.Message{
		Phone:     phone,
		Direction: models.DirectionOut,
		Body:      body,
		Timestamp: time.Now(),
	}); err != nil {
		slog.Warn("Engine outbound message log failed", "error", err, "phone", phone)
	}
	return nil
}

// maybeSendClosedNotice sends the configured out-of-hours notice when
// business hours are enabled and the clock falls outside them.
func (e *Engine) maybeSendClosedNotice(ctx context.Context, phone string) {
	var hours models.BusinessHours
	found, err := e.store.GetSetting(models.SettingBusinessHours, &hours)
	if err != nil {
		slog.Warn("Engine business hours lookup failed", "error", err)
		return
	}
	if !found || !hours.Enabled || hours.ClosedMessage == "" || hours.IsOpen(time.Now()) {
		return
	}
	if err := e.SendPrompt(ctx, phone, hours.ClosedMessage); err != nil {
		slog.Error("Engine closed notice send failed", "error", err, "phone", phone)
	}
}

// preconditionOf captures the optimistic precondition for a loaded conversation.
func preconditionOf(c models.Conversation) store.ConversationPrecondition {
	return store.ConversationPrecondition{
		State:                 c.State,
		CurrentStepID:         c.CurrentStepID,
		MessagesInCurrentStep: c.Loop.MessagesInCurrentStep,
	}
}
