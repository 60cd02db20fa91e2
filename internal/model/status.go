package model

import "time"

type SyncStatus string

const (
	SyncStatusOK      SyncStatus = "ok"
	SyncStatusFailing SyncStatus = "failing"
	SyncStatusBroken  SyncStatus = "broken"
)

// SyncState is what gets persisted on a feed after every sync attempt.
type SyncState struct {
	At       time.Time
	Status   SyncStatus
	Error    string
	Failures int
}

// NextSyncState applies the outcome of one attempt to the feed's current state.
// A success always resets the feed to ok; a failure moves it to failing, and to
// broken once brokenAfter consecutive attempts have failed.
func NextSyncState(feed Feed, at time.Time, syncErr error, brokenAfter int) SyncState {
	if syncErr == nil {
		return SyncState{At: at, Status: SyncStatusOK}
	}

	failures := feed.SyncFailures + 1
	status := SyncStatusFailing

	if brokenAfter > 0 && failures >= brokenAfter {
		status = SyncStatusBroken
	}

	return SyncState{
		At:       at,
		Status:   status,
		Error:    syncErr.Error(),
		Failures: failures,
	}
}
