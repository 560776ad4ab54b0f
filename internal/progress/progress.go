// Package progress delivers ordered per-item status events to the client
// session that enqueued the item. The transport does not guarantee
// delivery order, so a pure monotonicity filter decides which events are
// observable: status never regresses and progress never decreases.
package progress

// Status is the lifecycle state of one upload item.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusChecking  Status = "checking"
	StatusUploading Status = "uploading"
	StatusDuplicate Status = "duplicate"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// rank orders statuses: queued < checking < uploading < {duplicate,done} < error.
// duplicate and done are equal-rank terminal siblings; error is terminal
// and always accepted regardless of prior rank.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusChecking:
		return 1
	case StatusUploading:
		return 2
	case StatusDuplicate, StatusDone:
		return 3
	case StatusError:
		return 4
	}
	return -1
}

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusDuplicate || s == StatusDone || s == StatusError
}

// Event is one progress update for one queue item.
type Event struct {
	ItemID     string `json:"item_id"`
	Status     Status `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
}

// ItemState is the last observed state for an item.
type ItemState struct {
	Status   Status
	Progress int
}

// Apply is the monotonicity filter: given the last known state and an
// incoming event it returns the next state and whether the event should
// be delivered. A late lower-rank event for an item already at a higher
// or terminal rank is dropped; within the same rank, progress may only
// grow. Reaching a terminal status forces progress to 100.
func Apply(last ItemState, ev Event) (ItemState, Event, bool) {
	if last.Status != "" {
		if last.Status.Terminal() && ev.Status != StatusError {
			return last, ev, false
		}
		if ev.Status.rank() < last.Status.rank() {
			return last, ev, false
		}
		if ev.Status.rank() == last.Status.rank() && ev.Progress < last.Progress {
			return last, ev, false
		}
	}
	if ev.Status.Terminal() {
		ev.Progress = 100
	}
	if ev.Progress < last.Progress {
		ev.Progress = last.Progress
	}
	return ItemState{Status: ev.Status, Progress: ev.Progress}, ev, true
}
