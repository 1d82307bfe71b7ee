package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/prospecting-agent/internal/observability/metrics"
	"github.com/wolfman30/prospecting-agent/internal/prompts"
	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

// ErrOrchestratorClosed indicates the dispatcher is no longer accepting work.
var ErrOrchestratorClosed = errors.New("conversation: orchestrator closed")

const defaultEventBuffer = 64

// Lead is the company a conversation prospects.
type Lead struct {
	Company string
	Segment string
	Contact string
}

// Outgoing is one agent message ready for the channel.
type Outgoing struct {
	ID        string
	Key       string
	Stage     Stage
	Text      string
	AudioPath string
	SentAt    time.Time
}

// Sender delivers agent messages to the counterparty.
type Sender interface {
	Send(ctx context.Context, msg Outgoing) error
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Store     Store
	LLM       LLMClient
	Names     NameExtractor
	Sales     SalesPhase
	Sender    Sender
	Scheduler *FollowupScheduler
	Catalog   prompts.Catalog
	Metrics   *metrics.ConversationMetrics
	Logger    *logging.Logger

	Model         string
	AgentName     string
	Timezone      string
	FollowupDelay time.Duration
}

// Orchestrator drives conversations through the stage machine. Incoming
// messages and follow-up timer fires are two event sources feeding a single
// dispatcher goroutine (Run); every event is handled to completion, including
// the state commit, before the next one is taken.
type Orchestrator struct {
	store     Store
	llm       LLMClient
	names     NameExtractor
	sales     SalesPhase
	sender    Sender
	scheduler *FollowupScheduler
	policy    *RapportPolicy
	catalog   prompts.Catalog
	metrics   *metrics.ConversationMetrics
	logger    *logging.Logger
	tracer    trace.Tracer

	model         string
	agentName     string
	timezone      string
	followupDelay time.Duration
	now           func() time.Time

	events    chan event
	closed    chan struct{}
	closeOnce sync.Once

	// sessions is only touched from the dispatcher goroutine.
	sessions map[string]*session
}

type session struct {
	key          string
	transcript   Transcript
	lastIncoming string
}

type eventKind string

const (
	eventOpen     eventKind = "open"
	eventMessage  eventKind = "message"
	eventFollowup eventKind = "followup"
)

type event struct {
	id     string
	kind   eventKind
	ctx    context.Context
	key    string
	lead   Lead
	text   string
	result chan error
}

// NewOrchestrator validates cfg and returns an orchestrator. Call Run to
// start dispatching.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Store == nil {
		panic("conversation: store cannot be nil")
	}
	if cfg.LLM == nil {
		panic("conversation: llm client cannot be nil")
	}
	if cfg.Sales == nil {
		panic("conversation: sales phase cannot be nil")
	}
	if cfg.Sender == nil {
		panic("conversation: sender cannot be nil")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewFollowupScheduler()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.FollowupDelay <= 0 {
		cfg.FollowupDelay = time.Minute
	}
	return &Orchestrator{
		store:         cfg.Store,
		llm:           cfg.LLM,
		names:         cfg.Names,
		sales:         cfg.Sales,
		sender:        cfg.Sender,
		scheduler:     cfg.Scheduler,
		policy:        NewRapportPolicy(cfg.Catalog),
		catalog:       cfg.Catalog,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		tracer:        otel.Tracer("prospecting.internal.conversation.orchestrator"),
		model:         cfg.Model,
		agentName:     cfg.AgentName,
		timezone:      cfg.Timezone,
		followupDelay: cfg.FollowupDelay,
		now:           func() time.Time { return time.Now().UTC() },
		events:        make(chan event, defaultEventBuffer),
		closed:        make(chan struct{}),
		sessions:      make(map[string]*session),
	}
}

// Open creates or resumes the conversation with lead and returns its key. A
// new conversation gets its opening line; a resumed one waiting on the pitch
// gets its follow-up re-armed.
func (o *Orchestrator) Open(ctx context.Context, lead Lead) (string, error) {
	key := NormalizeKey(lead.Contact)
	err := o.enqueue(ctx, event{kind: eventOpen, key: key, lead: lead})
	return key, err
}

// Deliver hands one incoming counterparty message to the dispatcher and waits
// until it has been fully handled.
func (o *Orchestrator) Deliver(ctx context.Context, key, text string) error {
	return o.enqueue(ctx, event{kind: eventMessage, key: NormalizeKey(key), text: text})
}

// Run dispatches events until ctx is done. It must be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.shutdown()
	o.logger.Debug("conversation dispatcher started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Debug("conversation dispatcher stopping")
			return ctx.Err()
		case ev := <-o.events:
			err := o.dispatch(ctx, ev)
			if ev.result != nil {
				ev.result <- err
			}
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.closeOnce.Do(func() {
		close(o.closed)
		o.scheduler.Stop()
	})
}

func (o *Orchestrator) enqueue(ctx context.Context, ev event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ev.id = uuid.NewString()
	ev.ctx = ctx
	ev.result = make(chan error, 1)

	select {
	case <-o.closed:
		return ErrOrchestratorClosed
	case <-ctx.Done():
		return ctx.Err()
	case o.events <- ev:
	}

	select {
	case err := <-ev.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.closed:
		select {
		case err := <-ev.result:
			return err
		default:
			return ErrOrchestratorClosed
		}
	}
}

func (o *Orchestrator) dispatch(runCtx context.Context, ev event) error {
	ctx := runCtx
	if ev.ctx != nil {
		ctx = ev.ctx
	}
	ctx, span := o.tracer.Start(ctx, "conversation.event", trace.WithAttributes(
		attribute.String("event_id", ev.id),
		attribute.String("kind", string(ev.kind)),
		attribute.String("key", ev.key),
	))
	defer span.End()

	var err error
	switch ev.kind {
	case eventOpen:
		err = o.handleOpen(ctx, ev.key, ev.lead)
	case eventMessage:
		err = o.handleMessage(ctx, ev.key, ev.text)
	case eventFollowup:
		err = o.handleFollowup(ctx, ev.key)
	default:
		err = fmt.Errorf("conversation: unknown event kind %q", ev.kind)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrConversationClosed):
		o.logger.Info("conversation closed; event ignored", "key", ev.key, "kind", ev.kind)
	default:
		span.RecordError(err)
		o.logger.Error("conversation event failed", "key", ev.key, "kind", ev.kind, "event_id", ev.id, "error", err)
	}
	return err
}

func (o *Orchestrator) session(key string) *session {
	sess, ok := o.sessions[key]
	if !ok {
		sess = &session{key: key}
		o.sessions[key] = sess
	}
	return sess
}

func (o *Orchestrator) handleOpen(ctx context.Context, key string, lead Lead) error {
	state, err := o.store.Patch(ctx, key, Patch{
		Company: stringPtr(lead.Company),
		Segment: stringPtr(lead.Segment),
		Contact: stringPtr(lead.Contact),
	})
	if err != nil {
		return fmt.Errorf("conversation: open %s: %w", key, err)
	}
	sess := o.session(key)
	o.logger.Info("conversation opened", "key", key, "company", state.Company, "stage", state.Stage)

	switch state.Stage {
	case StageClosed:
		return ErrConversationClosed
	case StageRapport:
		if sess.transcript.Len() > 0 {
			return nil
		}
		return o.rapportOpening(ctx, sess, *state)
	case StageSalesWaiting:
		if !o.scheduler.Pending(key) {
			o.armFollowup(key)
		}
	}
	return nil
}

func (o *Orchestrator) rapportOpening(ctx context.Context, sess *session, state State) error {
	directive := prompts.Render(o.catalog.RapportInit, o.rapportVars(state))
	reply, err := o.generate(ctx, "rapport_init", o.rapportSystem(state), &sess.transcript, directive)
	if err != nil {
		return err
	}
	if err := o.send(ctx, sess.key, StageRapport, reply, ""); err != nil {
		return err
	}
	sess.transcript.Append(RoleAgent, reply)
	return nil
}

func (o *Orchestrator) handleMessage(ctx context.Context, key, text string) (err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	sess := o.session(key)

	state, err := o.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if state == nil {
		if state, err = o.store.Patch(ctx, key, Patch{}); err != nil {
			return err
		}
	}
	startStage := state.Stage
	outcome := "replied"
	defer func() {
		if err != nil && !errors.Is(err, ErrConversationClosed) {
			outcome = "error"
		}
		o.metrics.ObserveTurn(string(startStage), outcome)
	}()

	if state.Stage == StageClosed {
		outcome = "closed"
		return ErrConversationClosed
	}

	verdict := ClassifyBotLike(text, sess.lastIncoming)
	sess.lastIncoming = text
	if verdict.BotLike {
		outcome = "paused"
		return o.pauseForHuman(ctx, *state, verdict)
	}

	current := *state
	if current.Stage == StageAwaitingHuman {
		if current, err = o.resume(ctx, current); err != nil {
			return err
		}
	}

	sess.transcript.Append(RoleCounterparty, text)
	current = o.recordName(ctx, current, text)

	switch current.Stage {
	case StageRapport:
		return o.rapportTurn(ctx, sess, current)
	case StageSalesWaiting, StageSalesFollowupSent, StageSalesActive:
		return o.salesTurn(ctx, sess, current, text)
	}
	return fmt.Errorf("conversation: unexpected stage %q for %s", current.Stage, key)
}

func (o *Orchestrator) pauseForHuman(ctx context.Context, state State, verdict Classification) error {
	o.metrics.ObserveBotDetection(verdict.Reason)
	if state.Stage == StageAwaitingHuman {
		o.logger.Info("counterparty still looks automated; waiting for a human", "key", state.Key, "reason", verdict.Reason)
		return nil
	}
	if state.Stage.IsSales() {
		o.scheduler.Cancel(state.Key)
	}
	patch := Patch{
		Stage:       stagePtr(StageAwaitingHuman),
		ResumeStage: stagePtr(state.Stage),
	}.WithMilestone(MilestoneBotDetected, o.now())
	if _, err := o.transition(ctx, state, patch); err != nil {
		return err
	}
	o.logger.Info("counterparty looks automated; pausing", "key", state.Key, "reason", verdict.Reason, "resume_stage", state.Stage)
	return nil
}

func (o *Orchestrator) resume(ctx context.Context, state State) (State, error) {
	target := state.ResumeStage
	if !target.Valid() || target == StageAwaitingHuman || target == StageClosed {
		target = StageRapport
		if state.HasName() {
			target = StageSalesActive
		}
	}
	next, err := o.transition(ctx, state, Patch{Stage: stagePtr(target), ResumeStage: stagePtr("")})
	if err != nil {
		return state, err
	}
	o.logger.Info("human reply detected; resuming", "key", state.Key, "stage", next.Stage)
	return next, nil
}

// recordName tries to learn the contact's first name until one is stored.
// Failures only mean the name is not known yet.
func (o *Orchestrator) recordName(ctx context.Context, state State, text string) State {
	if state.HasName() || o.names == nil {
		return state
	}
	name, ok, err := o.names.ExtractFirstName(ctx, text)
	if err != nil {
		o.logger.Warn("name extraction failed", "key", state.Key, "error", err)
		return state
	}
	if !ok {
		return state
	}
	updated, err := o.store.Patch(ctx, state.Key, Patch{ContactName: stringPtr(name)})
	if err != nil {
		o.logger.Warn("failed to record contact name", "key", state.Key, "error", err)
		return state
	}
	o.logger.Info("contact name recorded", "key", state.Key, "name", updated.Name())
	return *updated
}

func (o *Orchestrator) rapportTurn(ctx context.Context, sess *session, state State) error {
	if o.policy.ShouldHandoff(state.ContactName) {
		return o.handoff(ctx, sess, state)
	}

	directive := o.policy.NextDirective(state.Segment, state.QuestionsAsked)
	reply, err := o.generate(ctx, "rapport", o.rapportSystem(state), &sess.transcript, directive)
	if err != nil {
		return err
	}
	if err := o.send(ctx, sess.key, StageRapport, reply, ""); err != nil {
		return err
	}
	sess.transcript.Append(RoleAgent, reply)

	asked := o.policy.ObserveGeneratedReply(reply, state.QuestionsAsked)
	if asked == state.QuestionsAsked {
		return nil
	}
	if _, err := o.store.Patch(ctx, sess.key, Patch{QuestionsAsked: intPtr(asked)}); err != nil {
		o.logUncommitted(sess.key, state.Stage, err)
		return err
	}
	return nil
}

func (o *Orchestrator) handoff(ctx context.Context, sess *session, state State) error {
	o.logger.Info("rapport complete; handing off to sales", "key", sess.key, "questions_asked", state.QuestionsAsked)
	reply, err := o.sales.Open(ctx, state)
	if err != nil {
		return err
	}
	if err := o.send(ctx, sess.key, StageSalesWaiting, reply.Text, reply.AudioPath); err != nil {
		return err
	}
	sess.transcript.Append(RoleAgent, reply.Text)

	patch := StagePatch(StageSalesWaiting).WithMilestone(MilestonePitchSent, o.now())
	if _, err := o.transition(ctx, state, patch); err != nil {
		o.logUncommitted(sess.key, state.Stage, err)
		return err
	}
	o.armFollowup(sess.key)
	return nil
}

// salesTurn answers during any sales stage. Nothing is committed until the
// reply is out, so a failed turn keeps the pre-turn stage and its follow-up.
func (o *Orchestrator) salesTurn(ctx context.Context, sess *session, state State, incoming string) error {
	reply, err := o.sales.Respond(ctx, state, &sess.transcript, incoming)
	if err != nil {
		return err
	}
	if reply.Text != "" {
		stage := StageSalesActive
		if reply.Close {
			stage = StageClosed
		}
		if err := o.send(ctx, sess.key, stage, reply.Text, reply.AudioPath); err != nil {
			return err
		}
		sess.transcript.Append(RoleAgent, reply.Text)
	}

	o.scheduler.Cancel(sess.key)
	current := state
	if current.Stage != StageSalesActive {
		if current, err = o.transition(ctx, current, StagePatch(StageSalesActive)); err != nil {
			o.logUncommitted(sess.key, state.Stage, err)
			return err
		}
	}
	if !reply.Close {
		return nil
	}

	patch := StagePatch(StageClosed).WithMilestone(MilestoneClosed, o.now())
	if _, err := o.transition(ctx, current, patch); err != nil {
		o.logUncommitted(sess.key, current.Stage, err)
		return err
	}
	o.logger.Info("conversation closed", "key", sess.key)
	return nil
}

// handleFollowup runs when a follow-up timer fires. The stage is re-read so a
// reply that landed after the timer fired turns the fire into a no-op.
func (o *Orchestrator) handleFollowup(ctx context.Context, key string) error {
	state, err := o.store.Get(ctx, key)
	if err != nil {
		o.metrics.ObserveFollowup("error")
		return err
	}
	if state == nil || state.Stage != StageSalesWaiting {
		o.metrics.ObserveFollowup("skipped")
		o.logger.Debug("stale follow-up ignored", "key", key)
		return nil
	}

	sess := o.session(key)
	reply, err := o.sales.FollowUp(ctx, *state, &sess.transcript)
	if err != nil {
		o.metrics.ObserveFollowup("error")
		return err
	}
	if err := o.send(ctx, key, StageSalesFollowupSent, reply.Text, reply.AudioPath); err != nil {
		o.metrics.ObserveFollowup("error")
		return err
	}
	sess.transcript.Append(RoleAgent, reply.Text)

	patch := StagePatch(StageSalesFollowupSent).WithMilestone(MilestoneFollowup, o.now())
	if _, err := o.transition(ctx, *state, patch); err != nil {
		o.logUncommitted(key, state.Stage, err)
		o.metrics.ObserveFollowup("error")
		return err
	}
	o.metrics.ObserveFollowup("fired")
	return nil
}

func (o *Orchestrator) armFollowup(key string) {
	o.scheduler.Arm(key, o.followupDelay, func() {
		select {
		case o.events <- event{id: uuid.NewString(), kind: eventFollowup, key: key}:
		case <-o.closed:
		}
	})
	o.logger.Debug("follow-up armed", "key", key, "delay", o.followupDelay)
}

func (o *Orchestrator) transition(ctx context.Context, state State, patch Patch) (State, error) {
	updated, err := o.store.Patch(ctx, state.Key, patch)
	if err != nil {
		return state, err
	}
	o.metrics.ObserveTransition(string(state.Stage), string(updated.Stage))
	if updated.Stage != state.Stage {
		o.logger.Info("stage transition", "key", state.Key, "from", state.Stage, "to", updated.Stage)
	}
	return *updated, nil
}

func (o *Orchestrator) generate(ctx context.Context, purpose, system string, transcript *Transcript, directive string) (string, error) {
	messages := transcript.Messages()
	if directive != "" {
		messages = append(messages, ChatMessage{Role: ChatRoleUser, Content: directive})
	}
	start := time.Now()
	resp, err := o.llm.Complete(ctx, LLMRequest{
		Model:    o.model,
		System:   []string{system},
		Messages: messages,
	})
	o.metrics.ObserveGeneration(purpose, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("conversation: %s generation: %w", purpose, err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("conversation: %s generation returned no text", purpose)
	}
	return text, nil
}

func (o *Orchestrator) send(ctx context.Context, key string, stage Stage, text, audioPath string) error {
	msg := Outgoing{
		ID:        uuid.NewString(),
		Key:       key,
		Stage:     stage,
		Text:      text,
		AudioPath: audioPath,
		SentAt:    o.now(),
	}
	if err := o.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("conversation: send reply: %w", err)
	}
	return nil
}

// logUncommitted reports a reply that went out without its stage change being
// persisted. A restart resumes from the stored stage and may repeat the reply.
func (o *Orchestrator) logUncommitted(key string, stage Stage, err error) {
	o.logger.Error("reply may have been sent, stage not advanced",
		"key", key,
		"stage", stage,
		"error", err,
	)
}

func (o *Orchestrator) rapportVars(state State) map[string]string {
	return map[string]string{
		"agente":   o.agentName,
		"empresa":  state.Company,
		"segmento": state.Segment,
		"saudacao": prompts.Greeting(o.now(), o.timezone),
	}
}

func (o *Orchestrator) rapportSystem(state State) string {
	return prompts.Render(o.catalog.RapportSystem, o.rapportVars(state))
}
