package models

import "time"

// Status is the lifecycle state of a listing.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusUnsold   Status = "unsold"
)

// transitions declares every legal lifecycle edge. Anything not listed here
// is an invalid transition.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusActive},
	StatusActive:   {StatusSold, StatusUnsold},
}

// Terminal reports whether s can never be left again.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusSold || s == StatusUnsold
}

// CanTransitionTo reports whether the edge s -> to is declared.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// NextTimedStatus returns the status a listing is due for based on the
// clock alone, or "" when no time-driven transition applies. pending and
// terminal listings never move on time; approved listings become active
// once the window opens; active listings settle once it closes, sold or
// unsold depending on whether the ledger holds any bids.
func (l *Listing) NextTimedStatus(now time.Time) Status {
	switch l.Status {
	case StatusApproved:
		if !now.Before(l.OpenAt) {
			return StatusActive
		}
	case StatusActive:
		if !now.Before(l.CloseAt) {
			if l.HighestBid() != nil {
				return StatusSold
			}
			return StatusUnsold
		}
	}
	return ""
}

// BiddingOpen reports whether bids are admissible at the given instant:
// the listing must be active and now must fall inside [OpenAt, CloseAt).
func (l *Listing) BiddingOpen(now time.Time) bool {
	return l.Status == StatusActive && !now.Before(l.OpenAt) && now.Before(l.CloseAt)
}
