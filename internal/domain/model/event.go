package model

import "time"

// EventKind classifies inbound platform events.
type EventKind string

const (
	EventPROpened        EventKind = "pr_opened"
	EventPRUpdated       EventKind = "pr_updated"
	EventPRClosed        EventKind = "pr_closed"
	EventReviewSubmitted EventKind = "review_submitted"
	EventLabelAdded      EventKind = "label_added"
	EventLabelRemoved    EventKind = "label_removed"
	EventCheckCompleted  EventKind = "check_completed"
	EventBranchPushed    EventKind = "branch_pushed"
)

// Event is a normalized inbound platform event. Webhook ingestion translates
// provider payloads into Events; the orchestrator consumes them.
type Event struct {
	Kind   EventKind
	Repo   string
	PR     PRKey  // zero for branch pushes
	Branch string // target branch for branch pushes, base branch otherwise

	// Check fields, set for EventCheckCompleted.
	CheckName  string
	CheckState CheckState
	CommitSHA  string // the commit the check ran against; new tip for pushes

	Label       string // set for label events
	DeliveredAt time.Time
}
