package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextSyncState(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	tests := []struct {
		name         string
		feed         Feed
		err          error
		wantStatus   SyncStatus
		wantFailures int
	}{
		{"success resets broken feed", Feed{SyncStatus: SyncStatusBroken, SyncFailures: 7}, nil, SyncStatusOK, 0},
		{"first failure", Feed{SyncStatus: SyncStatusOK}, boom, SyncStatusFailing, 1},
		{"failing stays failing below threshold", Feed{SyncStatus: SyncStatusFailing, SyncFailures: 2}, boom, SyncStatusFailing, 3},
		{"threshold reached", Feed{SyncStatus: SyncStatusFailing, SyncFailures: 4}, boom, SyncStatusBroken, 5},
		{"broken stays broken", Feed{SyncStatus: SyncStatusBroken, SyncFailures: 9}, boom, SyncStatusBroken, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NextSyncState(tt.feed, at, tt.err, 5)

			assert.Equal(t, tt.wantStatus, state.Status)
			assert.Equal(t, tt.wantFailures, state.Failures)
			assert.Equal(t, at, state.At)

			if tt.err == nil {
				assert.Empty(t, state.Error)
			} else {
				assert.Equal(t, tt.err.Error(), state.Error)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("sync feed 3: %w", NewError(KindStorageUnavailable, "load feed", errors.New("conn refused")))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindStorageUnavailable, kind)
	assert.True(t, IsKind(err, KindStorageUnavailable))
	assert.False(t, IsKind(err, KindFetchFailed))
	assert.False(t, IsKind(errors.New("plain"), KindFetchFailed))
	assert.Nil(t, NewError(KindFetchFailed, "x", nil))
}
