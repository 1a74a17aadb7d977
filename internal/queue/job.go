package queue

import (
	"errors"
	"fmt"
	"time"
)

// JobState represents the lifecycle state of a send job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// OwnerKind identifies the domain entity a job belongs to.
type OwnerKind string

const (
	OwnerWarmup   OwnerKind = "warmup"
	OwnerCampaign OwnerKind = "campaign"
)

// ErrDuplicateJob is returned by Enqueue when a job with the same ID already
// exists. Producers use deterministic IDs, so re-running a scheduling pass is
// safe: the duplicate is simply ignored.
var ErrDuplicateJob = errors.New("duplicate job")

// ErrJobNotFound is returned when a job ID does not exist in the store.
var ErrJobNotFound = errors.New("job not found")

// Job is a single decided send: one email to one recipient from one sender
// identity, owned by either a warmup mailbox or a campaign lead.
type Job struct {
	ID        string    `json:"id"`
	OwnerKind OwnerKind `json:"owner_kind"`
	OwnerID   string    `json:"owner_id"`
	// LeadID is set for campaign jobs so the worker can advance the lead
	// after a completed send.
	LeadID string `json:"lead_id,omitempty"`
	// StepID identifies the sequence step a campaign job was built from.
	StepID string `json:"step_id,omitempty"`

	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body"`
	HTMLBody string `json:"html_body,omitempty"`

	State     JobState  `json:"state"`
	NotBefore time.Time `json:"not_before"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	// MessageID is the transport message id recorded on completion.
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// jobStateTransitions is the closed transition table. Any transition not
// listed here is rejected by the store.
var jobStateTransitions = map[JobState][]JobState{
	StateWaiting:   {StateActive},
	StateDelayed:   {StateWaiting, StateActive},
	StateActive:    {StateCompleted, StateDelayed, StateFailed},
	StateCompleted: {},
	StateFailed:    {},
}

// canTransition reports whether a job may move from one state to another.
func canTransition(from, to JobState) bool {
	for _, s := range jobStateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// invalidTransitionError builds the error returned for rejected transitions.
func invalidTransitionError(id string, from, to JobState) error {
	return fmt.Errorf("job %s: invalid transition %s -> %s", id, from, to)
}

// Terminal reports whether the state is terminal.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Stats summarizes the queue contents by state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// ListFilter narrows List results.
type ListFilter struct {
	State     JobState
	OwnerKind OwnerKind
	OwnerID   string
	Limit     int
	Offset    int
}

// DayKey returns the calendar-day bucket a timestamp falls into. Day counters
// are kept in UTC so the queue needs no timezone knowledge; campaign-local
// quota accounting happens in the scheduler against lead activity.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
