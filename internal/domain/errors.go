package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
	ErrVenueUnavailable  = errors.New("venue unavailable")
	ErrInvalidOrderSpec  = errors.New("invalid order spec")
	ErrRiskBreach        = errors.New("risk breach")
	ErrEmergencyActive   = errors.New("emergency stop active")
	ErrPartialFailure    = errors.New("partial failure")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrDuplicateVenue    = errors.New("duplicate venue id")
	ErrStaleSnapshot     = errors.New("risk snapshot is stale")
	ErrNoRoute           = errors.New("no eligible venue")
)

// VenueError is returned by venue adapters when a call times out or the
// transport fails. It matches ErrVenueUnavailable under errors.Is.
type VenueError struct {
	Venue VenueID
	Op    string
	Err   error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue %s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

func (e *VenueError) Is(target error) bool { return target == ErrVenueUnavailable }

// NewVenueError wraps err as a VenueUnavailable failure for venue/op.
func NewVenueError(venue VenueID, op string, err error) *VenueError {
	return &VenueError{Venue: venue, Op: op, Err: err}
}

// PartialFailure records per-venue failures of a sweep that continued for
// the reachable venues.
type PartialFailure struct {
	Op       string
	Failures map[VenueID]error
}

func (e *PartialFailure) Error() string {
	keys := make([]string, 0, len(e.Failures))
	for v := range e.Failures {
		keys = append(keys, string(v))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failures[VenueID(k)]))
	}
	return fmt.Sprintf("%s: partial failure on %d venue(s): %s", e.Op, len(keys), strings.Join(parts, "; "))
}

func (e *PartialFailure) Unwrap() error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *PartialFailure) Is(target error) bool { return target == ErrPartialFailure }

// Add records a failure for venue. It is not safe for concurrent use.
func (e *PartialFailure) Add(venue VenueID, err error) {
	if e.Failures == nil {
		e.Failures = make(map[VenueID]error)
	}
	e.Failures[venue] = err
}

// OrNil returns nil when no failures were recorded.
func (e *PartialFailure) OrNil() error {
	if e == nil || len(e.Failures) == 0 {
		return nil
	}
	return e
}

// RiskBreachError carries the breaches that blocked an order.
type RiskBreachError struct {
	Breaches []Breach
}

func (e *RiskBreachError) Error() string {
	kinds := make([]string, 0, len(e.Breaches))
	for _, b := range e.Breaches {
		kinds = append(kinds, string(b.Kind))
	}
	return fmt.Sprintf("risk breach: %s", strings.Join(kinds, ","))
}

func (e *RiskBreachError) Is(target error) bool { return target == ErrRiskBreach }
