// Package task runs task instances through their lifecycle:
// PENDING → ACTIVE → COMPLETED, FAILED or CANCELLED.
package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/talgya/villagelife/internal/eligibility"
	"github.com/talgya/villagelife/internal/outcome"
	"github.com/talgya/villagelife/internal/resources"
	"github.com/talgya/villagelife/internal/skills"
)

// Status is an instance's lifecycle state.
type Status string

const (
	Pending   Status = "PENDING"
	Active    Status = "ACTIVE"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

func (s Status) valid() bool {
	switch s {
	case Pending, Active, Completed, Failed, Cancelled:
		return true
	}
	return false
}

var (
	// ErrInvalidTransition means the caller asked for a transition the
	// lifecycle does not allow. It indicates a bug in the caller.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotDue means completion was requested before the duration elapsed
	// on a task that is not self-reported.
	ErrNotDue = errors.New("task not due")
	// ErrNotFound means no instance has the given id.
	ErrNotFound = errors.New("instance not found")
	// ErrInconsistentState means imported instances and ledger locks disagree.
	ErrInconsistentState = errors.New("inconsistent state")

	ErrInsufficientSkill = errors.New("insufficient skill")
	ErrToolMissing       = errors.New("tool missing")
	ErrBlocked           = errors.New("task blocked")
)

// StartError explains why a task could not start. It unwraps to the
// sentinel matching its first blocker.
type StartError struct {
	InstanceID string
	TemplateID string
	Result     eligibility.Result
}

func (e *StartError) Error() string {
	parts := make([]string, len(e.Result.Blockers))
	for i, b := range e.Result.Blockers {
		parts[i] = b.String()
	}
	return fmt.Sprintf("cannot start %s: %s", e.TemplateID, strings.Join(parts, "; "))
}

func (e *StartError) Unwrap() error {
	if len(e.Result.Blockers) == 0 {
		return ErrBlocked
	}
	switch e.Result.Blockers[0].Reason {
	case eligibility.InsufficientSkill:
		return ErrInsufficientSkill
	case eligibility.ToolMissing:
		return ErrToolMissing
	case eligibility.InsufficientRes:
		return resources.ErrInsufficientResource
	}
	return ErrBlocked
}

// Instance is one run of a template by one owner.
type Instance struct {
	ID          string                `json:"id"`
	Owner       string                `json:"owner"`
	TemplateID  string                `json:"template_id"`
	State       Status                `json:"state"`
	CreatedTick uint64                `json:"created_tick"`
	StartTick   uint64                `json:"start_tick,omitempty"`
	EndTick     uint64                `json:"end_tick,omitempty"`
	Duration    float64               `json:"duration"` // sim hours after modifiers
	Elapsed     float64               `json:"elapsed"`
	Reservation resources.Reservation `json:"reservation"`
	Materials   outcome.Materials     `json:"materials"`
	Outcome     *outcome.Outcome      `json:"outcome,omitempty"`
}

// Remaining returns the sim hours left before the instance is due.
func (i Instance) Remaining() float64 {
	r := i.Duration - i.Elapsed
	if r < 0 {
		return 0
	}
	return r
}

// Due reports whether the duration has elapsed.
func (i Instance) Due() bool {
	return i.Elapsed+1e-9 >= i.Duration
}

func (i *Instance) clone() Instance {
	out := *i
	out.Reservation.Items = append([]resources.Reserved(nil), i.Reservation.Items...)
	out.Materials = outcome.Materials{
		Tools:        append([]float64(nil), i.Materials.Tools...),
		ToolWeights:  append([]float64(nil), i.Materials.ToolWeights...),
		Inputs:       append([]float64(nil), i.Materials.Inputs...),
		InputWeights: append([]float64(nil), i.Materials.InputWeights...),
	}
	if i.Outcome != nil {
		o := *i.Outcome
		out.Outcome = &o
	}
	return out
}

// Profile is an owner's progression: skills, standing and history.
type Profile struct {
	Skills      skills.Levels  `json:"skills"`
	Reputation  float64        `json:"reputation"`
	VillageExp  float64        `json:"village_exp"`
	Completions map[string]int `json:"completions"`
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{Skills: skills.Levels{}, Completions: map[string]int{}}
}

// VillageLevel derives the village level from village experience: one level
// per 100 points, starting at 1.
func (p Profile) VillageLevel() int {
	if p.VillageExp <= 0 {
		return 1
	}
	return 1 + int(p.VillageExp/100)
}

func (p Profile) clone() Profile {
	out := p
	out.Skills = p.Skills.Clone()
	out.Completions = make(map[string]int, len(p.Completions))
	for k, v := range p.Completions {
		out.Completions[k] = v
	}
	return out
}
