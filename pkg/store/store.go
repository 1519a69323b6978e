package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/roster"
)

// InterruptReady is the value recorded when a thread waits for the user.
const InterruptReady = "Ready for user input."

var (
	// ErrNotFound is returned when a thread has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrInvalidThreadID is returned for IDs that are empty or unsafe as keys.
	ErrInvalidThreadID = errors.New("invalid thread id")
)

// Trigger records which agent edge fired into the human node and which
// agent should receive the next user message.
type Trigger struct {
	From roster.ID `json:"from" bson:"from"`
	To   roster.ID `json:"to" bson:"to"`
}

// Interrupt describes a suspended thread.
type Interrupt struct {
	Value    string    `json:"value" bson:"value"`
	Triggers []Trigger `json:"triggers" bson:"triggers"`
}

// Checkpoint is the durable snapshot of a thread.
type Checkpoint struct {
	ThreadID    string                 `json:"thread_id" bson:"_id"`
	Messages    []conversation.Message `json:"messages" bson:"messages"`
	ActiveAgent roster.ID              `json:"active_agent" bson:"active_agent"`
	Pending     *Interrupt             `json:"pending,omitempty" bson:"pending,omitempty"`
	Step        int                    `json:"step" bson:"step"`
	CreatedAt   time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = conversation.Clone(c.Messages)
	if c.Pending != nil {
		pending := *c.Pending
		pending.Triggers = append([]Trigger(nil), c.Pending.Triggers...)
		out.Pending = &pending
	}
	return &out
}

// CheckpointStore saves and restores checkpoints by thread ID.
type CheckpointStore interface {
	// Load returns ErrNotFound when the thread has never been saved.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	// Delete removes the checkpoint and the active-agent record. Deleting
	// an unknown thread is not an error.
	Delete(ctx context.Context, threadID string) error
	// PruneBefore deletes threads last updated before cutoff and returns
	// how many were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ActiveAgentStore is the per-thread active-agent lookup.
type ActiveAgentStore interface {
	// GetActiveAgent returns roster.Unknown when nothing is recorded.
	GetActiveAgent(ctx context.Context, threadID string) (roster.ID, error)
	SetActiveAgent(ctx context.Context, threadID string, agent roster.ID) error
}

// Store is implemented by every backend.
type Store interface {
	CheckpointStore
	ActiveAgentStore
	Backend() string
	Close() error
}

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidateThreadID rejects IDs that cannot be used safely as file names or keys.
func ValidateThreadID(threadID string) error {
	if !threadIDPattern.MatchString(threadID) {
		return fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}
	if containsDotDot(threadID) {
		return fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}
	return nil
}

func containsDotDot(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '.' && s[i+1] == '.' {
			return true
		}
	}
	return false
}

// prepareSave validates cp and stamps its timestamps.
func prepareSave(cp *Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	if err := ValidateThreadID(cp.ThreadID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	return nil
}

// normalizeAgent maps stored values to a roster ID. Anything that is not a
// real agent reads back as Unknown.
func normalizeAgent(value string) roster.ID {
	return roster.Lookup(value)
}

func validateAgent(agent roster.ID) error {
	if agent != roster.Unknown && !agent.Valid() {
		return fmt.Errorf("%w: %q", roster.ErrUnknownAgent, agent)
	}
	return nil
}
