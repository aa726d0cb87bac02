package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/metric-investigator/internal/metrics"
	"github.com/kubilitics/metric-investigator/internal/models"
)

// entry is one live conversation and its run lock.
type entry struct {
	conv *models.ConversationContext
	run  chan struct{}
}

// registryImpl implements Registry
type registryImpl struct {
	mu            sync.RWMutex
	conversations map[string]*entry
	now           func() time.Time
}

// NewRegistry creates an empty in-memory registry
func NewRegistry() Registry {
	return &registryImpl{
		conversations: make(map[string]*entry),
		now:           time.Now,
	}
}

// Create initializes a new conversation
func (r *registryImpl) Create(ctx context.Context, query string) (*models.ConversationContext, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	now := r.now().UTC()
	conv := &models.ConversationContext{
		ConversationID: uuid.New().String(),
		QueryText:      query,
		ExecutedSteps:  []models.StepResult{},
		UserFeedback:   []string{},
		State:          models.StateAwaitingDecision,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.mu.Lock()
	r.conversations[conv.ConversationID] = &entry{conv: conv, run: make(chan struct{}, 1)}
	n := len(r.conversations)
	r.mu.Unlock()

	metrics.ActiveConversations.Set(float64(n))
	return conv.Clone(), nil
}

// Get retrieves a conversation snapshot by ID
func (r *registryImpl) Get(ctx context.Context, id string) (*models.ConversationContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.conversations[id]
	if !exists {
		return nil, &models.ConversationNotFoundError{ConversationID: id}
	}
	return e.conv.Clone(), nil
}

func (r *registryImpl) List(ctx context.Context) []*models.ConversationContext {
	r.mu.RLock()
	out := make([]*models.ConversationContext, 0, len(r.conversations))
	for _, e := range r.conversations {
		out = append(out, e.conv.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.ConversationContext) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ConversationID, b.ConversationID)
	})
	return out
}

func (r *registryImpl) SetQuery(ctx context.Context, id, query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query is required")
	}
	return r.update(id, func(c *models.ConversationContext) error {
		c.QueryText = query
		return nil
	})
}

func (r *registryImpl) AppendFeedback(ctx context.Context, id, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("feedback is required")
	}
	return r.update(id, func(c *models.ConversationContext) error {
		c.UserFeedback = append(c.UserFeedback, text)
		return nil
	})
}

// AppendResult records an executed step. The stored copy is private to the
// registry.
func (r *registryImpl) AppendResult(ctx context.Context, id string, result models.StepResult) error {
	stored := result.Clone()
	return r.update(id, func(c *models.ConversationContext) error {
		c.ExecutedSteps = append(c.ExecutedSteps, stored)
		return nil
	})
}

func (r *registryImpl) SetInsights(ctx context.Context, id string, report *models.InsightReport) error {
	stored := report.Clone()
	return r.update(id, func(c *models.ConversationContext) error {
		c.Insights = stored
		return nil
	})
}

// Transition moves a conversation to a new loop state
func (r *registryImpl) Transition(ctx context.Context, id string, to models.LoopState) error {
	return r.update(id, func(c *models.ConversationContext) error {
		if err := validateStateTransition(c.State, to); err != nil {
			return err
		}
		c.State = to
		return nil
	})
}

// validateStateTransition checks if a state transition is valid
func validateStateTransition(from, to models.LoopState) error {
	validTransitions := map[models.LoopState][]models.LoopState{
		models.StateAwaitingDecision: {models.StateExecutingStep, models.StateTerminated},
		models.StateExecutingStep:    {models.StateAwaitingDecision, models.StateTerminated},
		models.StateTerminated:       {models.StateAwaitingDecision},
	}

	allowedStates, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("invalid current state: %s", from)
	}
	if slices.Contains(allowedStates, to) {
		return nil
	}
	return fmt.Errorf("invalid state transition: %s → %s", from, to)
}

func (r *registryImpl) Acquire(ctx context.Context, id string) (func(), error) {
	r.mu.RLock()
	e, exists := r.conversations[id]
	r.mu.RUnlock()
	if !exists {
		return nil, &models.ConversationNotFoundError{ConversationID: id}
	}

	select {
	case e.run <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-e.run }) }, nil
}

func (r *registryImpl) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}

func (r *registryImpl) update(id string, fn func(*models.ConversationContext) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.conversations[id]
	if !exists {
		return &models.ConversationNotFoundError{ConversationID: id}
	}
	if err := fn(e.conv); err != nil {
		return err
	}
	e.conv.UpdatedAt = r.now().UTC()
	return nil
}
