package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage is the position of a conversation in the prospecting flow.
type Stage string

const (
	StageRapport           Stage = "rapport"
	StageAwaitingHuman     Stage = "awaitingHuman"
	StageSalesWaiting      Stage = "salesWaiting"
	StageSalesFollowupSent Stage = "salesFollowupSent"
	StageSalesActive       Stage = "salesActive"
	StageClosed            Stage = "closed"
)

// MaxRapportQuestions caps the segment questions asked before requesting a name.
const MaxRapportQuestions = 3

// Milestone names recorded in State.Timestamps.
const (
	MilestoneCreated     = "createdAt"
	MilestonePitchSent   = "pitchSentAt"
	MilestoneFollowup    = "followupAt"
	MilestoneClosed      = "closedAt"
	MilestoneBotDetected = "botDetectedAt"
)

// unknownKey is used when a contact address carries no digits at all.
const unknownKey = "unknown"

var (
	// ErrInvalidTransition is returned when a patch would move a conversation
	// along an edge the state machine does not allow.
	ErrInvalidTransition = errors.New("conversation: invalid stage transition")
	// ErrConversationClosed indicates the conversation no longer accepts turns.
	ErrConversationClosed = errors.New("conversation: conversation closed")
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageRapport, StageAwaitingHuman, StageSalesWaiting, StageSalesFollowupSent, StageSalesActive, StageClosed:
		return true
	}
	return false
}

// IsSales reports whether the stage belongs to the sales phase.
func (s Stage) IsSales() bool {
	switch s {
	case StageSalesWaiting, StageSalesFollowupSent, StageSalesActive:
		return true
	}
	return false
}

// CanTransition reports whether the state machine has an edge from s to next.
// Staying in the same stage is always allowed except for closed.
func (s Stage) CanTransition(next Stage) bool {
	if !next.Valid() {
		return false
	}
	if s == StageClosed {
		return false
	}
	if s == next {
		return true
	}
	if next == StageAwaitingHuman {
		return true
	}
	switch s {
	case StageAwaitingHuman:
		// Resuming returns to whichever stage was remembered.
		return next != StageClosed
	case StageRapport:
		return next == StageSalesWaiting
	case StageSalesWaiting:
		return next == StageSalesFollowupSent || next == StageSalesActive
	case StageSalesFollowupSent:
		return next == StageSalesActive
	case StageSalesActive:
		return next == StageClosed
	}
	return false
}

// State is the persisted record for one conversation.
type State struct {
	Key            string               `json:"key"`
	Company        string               `json:"company,omitempty"`
	Segment        string               `json:"segment,omitempty"`
	Contact        string               `json:"contact,omitempty"`
	Stage          Stage                `json:"stage"`
	ResumeStage    Stage                `json:"resumeStage,omitempty"`
	QuestionsAsked int                  `json:"questionsAsked"`
	ContactName    *string              `json:"contactName"`
	Timestamps     map[string]time.Time `json:"timestamps"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// NewState returns the record created on first contact with key.
func NewState(key string) State {
	return State{
		Key:        key,
		Stage:      StageRapport,
		Timestamps: map[string]time.Time{},
	}
}

// Name returns the recorded contact name or "".
func (s State) Name() string {
	if s.ContactName == nil {
		return ""
	}
	return *s.ContactName
}

// HasName reports whether a contact name has been recorded.
func (s State) HasName() bool {
	return strings.TrimSpace(s.Name()) != ""
}

// Clone returns a deep copy safe to mutate.
func (s State) Clone() State {
	out := s
	if s.ContactName != nil {
		name := *s.ContactName
		out.ContactName = &name
	}
	out.Timestamps = make(map[string]time.Time, len(s.Timestamps))
	for k, v := range s.Timestamps {
		out.Timestamps[k] = v
	}
	return out
}

// Patch carries the fields to merge into a State. Nil fields are left alone.
type Patch struct {
	Company        *string
	Segment        *string
	Contact        *string
	Stage          *Stage
	ResumeStage    *Stage
	QuestionsAsked *int
	ContactName    *string
	Timestamps     map[string]time.Time
}

// StagePatch is shorthand for a patch that only moves the stage.
func StagePatch(stage Stage) Patch {
	return Patch{Stage: &stage}
}

// WithMilestone adds a milestone timestamp to the patch.
func (p Patch) WithMilestone(name string, at time.Time) Patch {
	if p.Timestamps == nil {
		p.Timestamps = map[string]time.Time{}
	}
	p.Timestamps[name] = at
	return p
}

// Apply merges p into s and enforces the record invariants:
//   - company, segment and contact are only filled while empty
//   - the contact name is set at most once
//   - timestamps are append-only
//   - questionsAsked stays within 0..MaxRapportQuestions, never decreases and
//     only changes while in rapport
//   - the stage only moves along CanTransition edges
func (s State) Apply(p Patch) (State, error) {
	out := s.Clone()
	if out.Stage == "" {
		out.Stage = StageRapport
	}

	if p.Company != nil && out.Company == "" {
		out.Company = strings.TrimSpace(*p.Company)
	}
	if p.Segment != nil && out.Segment == "" {
		out.Segment = strings.TrimSpace(*p.Segment)
	}
	if p.Contact != nil && out.Contact == "" {
		out.Contact = strings.TrimSpace(*p.Contact)
	}
	if p.ContactName != nil && !out.HasName() {
		if name := strings.TrimSpace(*p.ContactName); name != "" {
			out.ContactName = &name
		}
	}
	for name, at := range p.Timestamps {
		if _, exists := out.Timestamps[name]; !exists {
			out.Timestamps[name] = at
		}
	}
	if p.QuestionsAsked != nil && out.Stage == StageRapport {
		n := *p.QuestionsAsked
		if n > MaxRapportQuestions {
			n = MaxRapportQuestions
		}
		if n > out.QuestionsAsked {
			out.QuestionsAsked = n
		}
	}
	if p.ResumeStage != nil {
		out.ResumeStage = *p.ResumeStage
	}
	if p.Stage != nil {
		next := *p.Stage
		if !out.Stage.CanTransition(next) {
			return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, out.Stage, next)
		}
		if next != StageAwaitingHuman && out.Stage == StageAwaitingHuman && p.ResumeStage == nil {
			out.ResumeStage = ""
		}
		out.Stage = next
	}
	return out, nil
}

// NormalizeKey returns the digits-only form of a contact address.
func NormalizeKey(contact string) string {
	var digits strings.Builder
	for _, r := range contact {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return unknownKey
	}
	return digits.String()
}

func stringPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func stagePtr(s Stage) *Stage { return &s }
