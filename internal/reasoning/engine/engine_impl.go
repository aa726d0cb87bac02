package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/audit"
	"github.com/kubilitics/metric-investigator/internal/executor"
	"github.com/kubilitics/metric-investigator/internal/metrics"
	"github.com/kubilitics/metric-investigator/internal/models"
	rctx "github.com/kubilitics/metric-investigator/internal/reasoning/context"
	"github.com/kubilitics/metric-investigator/internal/reasoning/conversation"
	"github.com/kubilitics/metric-investigator/internal/reasoning/oracle"
	"github.com/kubilitics/metric-investigator/internal/telemetry"
)

// DefaultMaxSteps bounds the decision iterations of one run.
const DefaultMaxSteps = 10

// archiveTimeout bounds the archive write after a run, which may happen on
// an already cancelled context.
const archiveTimeout = 5 * time.Second

const (
	triggerStart    = "start"
	triggerResume   = "resume"
	triggerFeedback = "feedback"
)

// Config holds loop settings.
type Config struct {
	MaxSteps   int
	DataWindow models.DateRange
}

// Deps are the collaborators of the engine. Registry, Oracle, Executor and
// Synthesizer are required.
type Deps struct {
	Registry    conversation.Registry
	Oracle      oracle.Oracle
	Executor    executor.StepExecutor
	Synthesizer Synthesizer
	Builder     rctx.ContextBuilder
	Audit       audit.Logger
	Archive     Archiver
	Logger      *zap.Logger
}

// engineImpl is the concrete Engine.
type engineImpl struct {
	cfg         Config
	registry    conversation.Registry
	oracle      oracle.Oracle
	executor    executor.StepExecutor
	synthesizer Synthesizer
	builder     rctx.ContextBuilder
	auditLog    audit.Logger
	archive     Archiver
	logger      *zap.Logger
	tracer      trace.Tracer

	// Subscribers (conversation ID → list of subscribers)
	subsMu      sync.Mutex
	subscribers map[string][]*Subscriber
}

// NewEngine creates a fully wired Engine.
func NewEngine(cfg Config, deps Deps) (Engine, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("engine: registry is required")
	case deps.Oracle == nil:
		return nil, errors.New("engine: oracle is required")
	case deps.Executor == nil:
		return nil, errors.New("engine: executor is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("engine: synthesizer is required")
	}
	if cfg.DataWindow.IsZero() || cfg.DataWindow.Empty() {
		return nil, fmt.Errorf("engine: invalid data window %s", cfg.DataWindow)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if deps.Builder == nil {
		deps.Builder = rctx.NewContextBuilder(rctx.DefaultOptions())
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &engineImpl{
		cfg:         cfg,
		registry:    deps.Registry,
		oracle:      deps.Oracle,
		executor:    deps.Executor,
		synthesizer: deps.Synthesizer,
		builder:     deps.Builder,
		auditLog:    deps.Audit,
		archive:     deps.Archive,
		logger:      deps.Logger,
		tracer:      telemetry.Tracer("metric-investigator/engine"),
		subscribers: make(map[string][]*Subscriber),
	}, nil
}

// ─── Subscribers ──────────────────────────────────────────────────────────────

// Subscribe registers a channel to receive conversation events.
func (e *engineImpl) Subscribe(conversationID string) *Subscriber {
	sub := &Subscriber{Ch: make(chan Event, 64)}
	e.subsMu.Lock()
	e.subscribers[conversationID] = append(e.subscribers[conversationID], sub)
	e.subsMu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (e *engineImpl) Unsubscribe(conversationID string, sub *Subscriber) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	subs := e.subscribers[conversationID]
	for i, s := range subs {
		if s == sub {
			e.subscribers[conversationID] = append(subs[:i:i], subs[i+1:]...)
			close(s.Ch)
			break
		}
	}
	if len(e.subscribers[conversationID]) == 0 {
		delete(e.subscribers, conversationID)
	}
}

// publish sends an event to all subscribers of the given conversation.
func (e *engineImpl) publish(ev Event) {
	ev.Timestamp = time.Now().UTC()
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, s := range e.subscribers[ev.ConversationID] {
		select {
		case s.Ch <- ev:
		default:
		}
	}
}

// ─── Public interface ─────────────────────────────────────────────────────────

func (e *engineImpl) StartOrResume(ctx context.Context, query, conversationID string) (*models.ConversationContext, error) {
	query = strings.TrimSpace(query)

	if conversationID != "" {
		snap, err := e.registry.Get(ctx, conversationID)
		var notFound *models.ConversationNotFoundError
		switch {
		case err == nil:
			if query == "" || query == snap.QueryText {
				return snap, nil
			}
			release, err := e.registry.Acquire(ctx, conversationID)
			if err != nil {
				return snap, err
			}
			defer release()
			if err := e.registry.SetQuery(ctx, conversationID, query); err != nil {
				return nil, err
			}
			return e.run(ctx, conversationID, triggerResume)
		case !errors.As(err, &notFound):
			return nil, err
		}
		e.logger.Info("unknown conversation id, starting a new conversation",
			zap.String("requested_id", conversationID))
	}

	if query == "" {
		return nil, ErrEmptyQuery
	}
	conv, err := e.registry.Create(ctx, query)
	if err != nil {
		return nil, err
	}
	release, err := e.registry.Acquire(ctx, conv.ConversationID)
	if err != nil {
		return conv, err
	}
	defer release()
	return e.run(ctx, conv.ConversationID, triggerStart)
}

func (e *engineImpl) SubmitFeedback(ctx context.Context, conversationID, feedback string) (*models.ConversationContext, error) {
	if _, err := e.registry.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, ErrEmptyFeedback
	}

	release, err := e.registry.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.registry.AppendFeedback(ctx, conversationID, feedback); err != nil {
		return nil, err
	}
	e.auditLog.LogFeedbackSubmitted(ctx, conversationID)
	return e.run(ctx, conversationID, triggerFeedback)
}

func (e *engineImpl) Get(ctx context.Context, conversationID string) (*models.ConversationContext, error) {
	return e.registry.Get(ctx, conversationID)
}

func (e *engineImpl) List(ctx context.Context) []*models.ConversationContext {
	return e.registry.List(ctx)
}

// ─── Core investigation loop ──────────────────────────────────────────────────

// runState carries the bookkeeping of one run.
type runState struct {
	id         string
	trigger    string
	started    time.Time
	iterations int
	span       trace.Span
}

// run executes the loop for one conversation. The caller holds the run lock.
func (e *engineImpl) run(ctx context.Context, id, trigger string) (*models.ConversationContext, error) {
	ctx = audit.WithCorrelationID(ctx, id)
	ctx, span := e.tracer.Start(ctx, "investigation.run", trace.WithAttributes(
		attribute.String("conversation.id", id),
		attribute.String("investigation.trigger", trigger),
		attribute.String("oracle", e.oracle.Name()),
	))
	defer span.End()

	rs := &runState{id: id, trigger: trigger, started: time.Now(), span: span}
	e.auditLog.LogInvestigationStarted(ctx, id, trigger)
	e.logger.Info("investigation started", zap.String("conversation_id", id), zap.String("trigger", trigger))

	if err := e.beginRun(ctx, id); err != nil {
		return e.fail(ctx, rs, err)
	}

	for {
		if rs.iterations >= e.cfg.MaxSteps {
			return e.exhaust(ctx, rs)
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, rs, err)
		}

		snap, err := e.registry.Get(ctx, id)
		if err != nil {
			return e.fail(ctx, rs, err)
		}

		step, err := e.oracle.Decide(ctx, oracle.DecisionRequest{
			Query:      snap.QueryText,
			Feedback:   snap.UserFeedback,
			Evidence:   e.builder.Summarize(snap.ExecutedSteps),
			NextStepID: snap.NextStepID(),
			Iteration:  rs.iterations,
			DataWindow: e.cfg.DataWindow,
		})
		rs.iterations++
		if err != nil {
			return e.fail(ctx, rs, fmt.Errorf("decide step %d: %w", snap.NextStepID(), err))
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, rs, err)
		}
		e.publish(Event{ConversationID: id, Type: EventDecision, Step: &step, State: models.StateAwaitingDecision})

		if step.Action.Terminal() {
			return e.conclude(ctx, rs, snap, step)
		}

		if err := e.registry.Transition(ctx, id, models.StateExecutingStep); err != nil {
			return e.fail(ctx, rs, err)
		}
		result := e.executor.Execute(ctx, step)
		if err := ctx.Err(); err != nil {
			// the result may reflect a half-finished query
			return e.fail(ctx, rs, err)
		}
		if err := e.registry.AppendResult(ctx, id, result); err != nil {
			return e.fail(ctx, rs, err)
		}
		e.auditLog.LogStepExecuted(ctx, id, result)
		e.publish(Event{ConversationID: id, Type: EventStepResult, Result: &result, State: models.StateExecutingStep})

		if err := e.registry.Transition(ctx, id, models.StateAwaitingDecision); err != nil {
			return e.fail(ctx, rs, err)
		}
	}
}

// beginRun puts a conversation back into awaiting_decision.
func (e *engineImpl) beginRun(ctx context.Context, id string) error {
	snap, err := e.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if snap.State == models.StateAwaitingDecision {
		return nil
	}
	return e.registry.Transition(ctx, id, models.StateAwaitingDecision)
}

func (e *engineImpl) conclude(ctx context.Context, rs *runState, snap *models.ConversationContext, step models.InvestigationStep) (*models.ConversationContext, error) {
	params, ok := step.Params.(models.GenerateInsightsParams)
	if !ok {
		return e.fail(ctx, rs, &models.OracleContractError{Err: fmt.Errorf("generate_insights step carries %T", step.Params)})
	}

	report, err := e.synthesizer.Synthesize(ctx, snap.QueryText, params.PreliminaryHypothesis, snap.ExecutedSteps)
	if err != nil {
		return e.fail(ctx, rs, err)
	}
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, rs, err)
	}
	if err := e.registry.SetInsights(ctx, rs.id, report); err != nil {
		return e.fail(ctx, rs, err)
	}
	if err := e.registry.Transition(ctx, rs.id, models.StateTerminated); err != nil {
		return e.fail(ctx, rs, err)
	}

	final, _ := e.registry.Get(ctx, rs.id)
	e.publish(Event{ConversationID: rs.id, Type: EventReport, Report: final.Insights, State: models.StateTerminated})
	e.publish(Event{ConversationID: rs.id, Type: EventDone, State: models.StateTerminated})

	duration := time.Since(rs.started)
	e.auditLog.LogInvestigationCompleted(ctx, rs.id, len(final.ExecutedSteps), duration)
	e.finish(ctx, rs, "completed", final)
	e.logger.Info("investigation completed",
		zap.String("conversation_id", rs.id),
		zap.Int("iterations", rs.iterations),
		zap.Int("steps", len(final.ExecutedSteps)),
		zap.Float64("confidence", final.Insights.ConfidenceScore),
		zap.Duration("duration", duration))
	return final, nil
}

func (e *engineImpl) exhaust(ctx context.Context, rs *runState) (*models.ConversationContext, error) {
	if err := e.registry.Transition(ctx, rs.id, models.StateTerminated); err != nil {
		return e.fail(ctx, rs, err)
	}
	final, _ := e.registry.Get(ctx, rs.id)

	e.publish(Event{ConversationID: rs.id, Type: EventBudgetExhausted, State: models.StateTerminated})
	e.publish(Event{ConversationID: rs.id, Type: EventDone, State: models.StateTerminated})

	e.auditLog.LogBudgetExhausted(ctx, rs.id, e.cfg.MaxSteps)
	e.finish(ctx, rs, "budget_exhausted", final)
	e.logger.Warn("investigation budget exhausted",
		zap.String("conversation_id", rs.id),
		zap.Int("max_steps", e.cfg.MaxSteps))
	return final, nil
}

// fail terminates the run and returns the snapshot together with err so the
// caller keeps the evidence gathered so far.
func (e *engineImpl) fail(ctx context.Context, rs *runState, err error) (*models.ConversationContext, error) {
	// bookkeeping must survive a cancelled request
	bg := context.WithoutCancel(ctx)

	if snap, getErr := e.registry.Get(bg, rs.id); getErr == nil && snap.State != models.StateTerminated {
		_ = e.registry.Transition(bg, rs.id, models.StateTerminated)
	}
	final, _ := e.registry.Get(bg, rs.id)

	rs.span.RecordError(err)
	rs.span.SetStatus(codes.Error, err.Error())
	e.publish(Event{ConversationID: rs.id, Type: EventError, Error: err.Error(), State: models.StateTerminated})
	e.publish(Event{ConversationID: rs.id, Type: EventDone, State: models.StateTerminated})

	status := "failed"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = "cancelled"
	}
	e.auditLog.LogInvestigationFailed(bg, rs.id, err)
	e.finish(bg, rs, status, final)
	e.logger.Error("investigation failed",
		zap.String("conversation_id", rs.id),
		zap.String("status", status),
		zap.Int("iterations", rs.iterations),
		zap.Error(err))
	return final, err
}

// finish records metrics and archives the snapshot.
func (e *engineImpl) finish(ctx context.Context, rs *runState, status string, final *models.ConversationContext) {
	rs.span.SetAttributes(
		attribute.String("investigation.status", status),
		attribute.Int("investigation.iterations", rs.iterations),
	)
	metrics.InvestigationsTotal.WithLabelValues(rs.trigger, status).Inc()
	metrics.InvestigationDuration.WithLabelValues(status).Observe(time.Since(rs.started).Seconds())
	metrics.DecisionIterations.Observe(float64(rs.iterations))

	if e.archive == nil || final == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := e.archive.SaveConversation(actx, final); err != nil {
		e.logger.Warn("failed to archive conversation", zap.String("conversation_id", rs.id), zap.Error(err))
	}
}
