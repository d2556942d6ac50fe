package chatsync

import (
	"context"

	"go.uber.org/zap"
)

// SendReaction adds the current user's reaction locally, then confirms it
// with the server. With enforceUnique the user's other reactions on the
// message are replaced. On failure or cancellation the reaction fields of
// the message are restored and a *NetworkError is returned.
func (e *Engine) SendReaction(ctx context.Context, r Reaction, enforceUnique bool) (Reaction, error) {
	const op = "send reaction"
	if r.Type == "" || r.MessageID == "" {
		return Reaction{}, precondition(op, ErrInvalidReaction)
	}
	if e.api == nil {
		return Reaction{}, precondition(op, ErrNoAPI)
	}
	msg, err := e.loadMessage(ctx, op, r.MessageID)
	if err != nil {
		return Reaction{}, err
	}

	me := e.CurrentUser()
	now := e.now()
	r.UserID = me.ID
	r.User = &me
	r.EnforceUnique = enforceUnique
	r.SyncStatus = SyncStatusInProgress
	if r.CreatedAt == nil {
		r.CreatedAt = &now
	}

	var snapshot Message
	_, err = e.updateMessage(ctx, op, msg.CID, msg.ID, func(m Message) Message {
		snapshot = m
		return addOwnReaction(m, r, enforceUnique)
	})
	if err != nil {
		return Reaction{}, err
	}

	saved, server, err := e.api.SendReaction(ctx, r, enforceUnique)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		e.rollbackReactions(ctx, op, msg.CID, snapshot)
		return Reaction{}, &NetworkError{Op: op, Err: err}
	}

	if saved.Type == "" {
		saved = r
	}
	saved.MessageID = r.MessageID
	saved.UserID = me.ID
	if saved.User == nil {
		saved.User = &me
	}
	saved.SyncStatus = SyncStatusCompleted
	_, err = e.updateMessage(context.WithoutCancel(ctx), op, msg.CID, msg.ID, func(m Message) Message {
		m = withServerReactions(m, server)
		m.OwnReactions = replaceReaction(m.OwnReactions, saved)
		m.LatestReactions = replaceReaction(m.LatestReactions, saved)
		return m
	})
	if err != nil {
		return saved, err
	}
	return saved, nil
}

// DeleteReaction removes the current user's reaction of reactionType from
// the message locally, then confirms it with the server. On failure the
// reaction fields are restored.
func (e *Engine) DeleteReaction(ctx context.Context, messageID, reactionType string) error {
	const op = "delete reaction"
	if reactionType == "" || messageID == "" {
		return precondition(op, ErrInvalidReaction)
	}
	if e.api == nil {
		return precondition(op, ErrNoAPI)
	}
	msg, err := e.loadMessage(ctx, op, messageID)
	if err != nil {
		return err
	}

	r := Reaction{MessageID: messageID, UserID: e.currentUserID, Type: reactionType}
	var snapshot Message
	_, err = e.updateMessage(ctx, op, msg.CID, msg.ID, func(m Message) Message {
		snapshot = m
		return removeOwnReaction(m, r)
	})
	if err != nil {
		return err
	}

	server, err := e.api.DeleteReaction(ctx, messageID, reactionType)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		e.rollbackReactions(ctx, op, msg.CID, snapshot)
		return &NetworkError{Op: op, Err: err}
	}

	_, err = e.updateMessage(context.WithoutCancel(ctx), op, msg.CID, msg.ID, func(m Message) Message {
		m = withServerReactions(m, server)
		m.OwnReactions = withoutReaction(m.OwnReactions, r)
		m.LatestReactions = withoutReaction(m.LatestReactions, r)
		return m
	})
	return err
}

// rollbackReactions restores the reaction fields of the stored message from
// snapshot. Other fields may have changed meanwhile and are kept.
func (e *Engine) rollbackReactions(ctx context.Context, op, cid string, snapshot Message) {
	_, err := e.updateMessage(context.WithoutCancel(ctx), op, cid, snapshot.ID, func(m Message) Message {
		m.OwnReactions = snapshot.OwnReactions
		m.LatestReactions = snapshot.LatestReactions
		m.ReactionCounts = snapshot.ReactionCounts
		m.ReactionScores = snapshot.ReactionScores
		return m
	})
	e.metrics.rolledBack(op)
	if err != nil {
		e.logger.Error("rollback_failed", zap.String("op", op), zap.String("message_id", snapshot.ID), zap.Error(err))
		return
	}
	e.logger.Warn("optimistic_rollback", zap.String("op", op), zap.String("message_id", snapshot.ID))
}

// withServerReactions takes the aggregates of the server's message, when the
// server returned one.
func withServerReactions(m, server Message) Message {
	if server.ID == "" {
		return m
	}
	m.ReactionCounts = copyCounts(server.ReactionCounts)
	m.ReactionScores = copyCounts(server.ReactionScores)
	m.LatestReactions = server.LatestReactions
	if len(server.OwnReactions) > 0 {
		m.OwnReactions = server.OwnReactions
	}
	return m
}

// replaceReaction swaps the entry of r's identity for r, if present.
func replaceReaction(list []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, len(list))
	for i, o := range list {
		if o.sameIdentity(r) {
			o = r
		}
		out[i] = o
	}
	return out
}
