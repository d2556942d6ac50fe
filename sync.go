package chatsync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sync replays the events missed while disconnected. The first call of a
// user only records the sync time. Later calls ask the server for the
// backlog of the watched channels since the last sync, apply it as a
// history batch and advance the sync time.
//
// Replayed events may overlap with events already applied; reconciliation is
// idempotent, so overlap is harmless.
func (e *Engine) Sync(ctx context.Context) error {
	state, err := e.repo.SelectSyncState(ctx, e.currentUserID)
	if err != nil {
		return &PersistenceError{Op: "select sync state", Err: err}
	}
	now := e.now()
	if state == nil {
		state = &SyncState{UserID: e.currentUserID}
	}
	e.restoreWatched(state.ActiveChannelIDs)
	state.ActiveChannelIDs = e.WatchedCIDs()

	if state.LastSyncedAt == nil || len(state.ActiveChannelIDs) == 0 {
		state.LastSyncedAt = &now
		return e.insertSyncState(ctx, *state)
	}
	if e.api == nil {
		return precondition("sync", ErrNoAPI)
	}

	since := *state.LastSyncedAt
	events, err := e.api.SyncHistory(ctx, state.ActiveChannelIDs, since)
	if err != nil {
		e.logger.Warn("sync_history_failed", zap.Time("since", since), zap.Error(err))
		return &NetworkError{Op: "sync history", Err: err}
	}
	if err := e.HandleBatch(ctx, EventBatch{Events: events, FromHistorySync: true}); err != nil {
		return err
	}

	// Reload: realtime batches may have changed the state meanwhile.
	latest, err := e.repo.SelectSyncState(ctx, e.currentUserID)
	if err != nil {
		return &PersistenceError{Op: "select sync state", Err: err}
	}
	if latest != nil {
		state.MarkedAllReadAt = latest.MarkedAllReadAt
	}
	state.ActiveChannelIDs = e.WatchedCIDs()
	state.LastSyncedAt = &now
	e.logger.Info("history_synced",
		zap.Int("channels", len(state.ActiveChannelIDs)),
		zap.Int("events", len(events)),
		zap.Duration("gap", now.Sub(since)),
	)
	return e.insertSyncState(ctx, *state)
}

func (e *Engine) restoreWatched(cids []string) {
	e.watchedMu.Lock()
	defer e.watchedMu.Unlock()
	for _, cid := range cids {
		e.watched[cid] = struct{}{}
	}
}

func (e *Engine) insertSyncState(ctx context.Context, state SyncState) error {
	if err := e.repo.InsertSyncState(ctx, state); err != nil {
		return &PersistenceError{Op: "insert sync state", Err: err}
	}
	return nil
}

// updateSyncState loads the sync state of the current user, applies fn and
// stores it.
func (e *Engine) updateSyncState(ctx context.Context, fn func(*SyncState)) error {
	state, err := e.repo.SelectSyncState(ctx, e.currentUserID)
	if err != nil {
		return &PersistenceError{Op: "select sync state", Err: err}
	}
	if state == nil {
		state = &SyncState{UserID: e.currentUserID}
	}
	fn(state)
	return e.insertSyncState(ctx, *state)
}

func (e *Engine) saveActiveChannels(ctx context.Context) error {
	cids := e.WatchedCIDs()
	return e.updateSyncState(ctx, func(s *SyncState) { s.ActiveChannelIDs = cids })
}

func (e *Engine) markedAllRead(ctx context.Context, at time.Time) {
	err := e.updateSyncState(ctx, func(s *SyncState) {
		if s.MarkedAllReadAt == nil || at.After(*s.MarkedAllReadAt) {
			t := at
			s.MarkedAllReadAt = &t
		}
	})
	if err != nil {
		e.logger.Warn("sync_state_store_failed", zap.Error(err))
	}
}
