package chatsync

import (
	"context"

	"go.uber.org/zap"
)

// MarkRead marks cid read up to its last message. Calls for the same channel
// within the throttle window fail with ErrThrottled before anything changes.
// On a network failure the read state of the channel is restored.
func (e *Engine) MarkRead(ctx context.Context, cid string) error {
	const op = "mark read"
	if e.api == nil {
		return precondition(op, ErrNoAPI)
	}
	if !e.markReadThrottle.Allow(cid, e.now()) {
		e.metrics.throttledCall("mark_read")
		return precondition(op, ErrThrottled)
	}

	var (
		snapshot Channel
		lastID   string
	)
	me := e.CurrentUser()
	_, err := e.updateChannel(ctx, op, cid, func(ch Channel) Channel {
		snapshot = ch
		if ch.LastMessage != nil {
			lastID = ch.LastMessage.ID
		}
		ch = updateRead(ch, ChannelUserRead{
			User:              me,
			LastRead:          e.now(),
			UnreadMessages:    0,
			LastReadMessageID: lastID,
		}, me.ID)
		ch.UnreadCount = 0
		return ch
	})
	if err != nil {
		return err
	}

	err = e.api.MarkRead(ctx, cid, lastID)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_, rerr := e.updateChannel(context.WithoutCancel(ctx), op, cid, func(ch Channel) Channel {
			ch.Read = snapshot.Read
			ch.UnreadCount = snapshot.UnreadCount
			return ch
		})
		e.metrics.rolledBack(op)
		if rerr != nil {
			e.logger.Error("rollback_failed", zap.String("op", op), zap.String("cid", cid), zap.Error(rerr))
		} else {
			e.logger.Warn("optimistic_rollback", zap.String("op", op), zap.String("cid", cid))
		}
		return &NetworkError{Op: op, Err: err}
	}
	return nil
}

// ============================================================================
// Typing
// ============================================================================

func typingKey(cid, parentID string) string {
	if parentID == "" {
		return cid
	}
	return cid + "/" + parentID
}

// Keystroke tells the server the current user is typing in cid, or in the
// thread parentID. At most one typing.start is sent per throttle window;
// keystrokes in between are accepted and ignored.
func (e *Engine) Keystroke(ctx context.Context, cid, parentID string) error {
	const op = "keystroke"
	if err := e.checkTyping(ctx, op, cid); err != nil {
		return err
	}
	if !e.keystrokeThrottle.Allow(typingKey(cid, parentID), e.now()) {
		return nil
	}
	if err := e.api.SendTypingEvent(ctx, cid, EventTypingStart, parentID); err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	return nil
}

// StopTyping sends typing.stop if a typing.start was sent for cid.
func (e *Engine) StopTyping(ctx context.Context, cid, parentID string) error {
	const op = "stop typing"
	if err := e.checkTyping(ctx, op, cid); err != nil {
		return err
	}
	if !e.keystrokeThrottle.Reset(typingKey(cid, parentID)) {
		return nil
	}
	if err := e.api.SendTypingEvent(ctx, cid, EventTypingStop, parentID); err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	return nil
}

func (e *Engine) checkTyping(ctx context.Context, op, cid string) error {
	if e.api == nil {
		return precondition(op, ErrNoAPI)
	}
	ch, err := e.Channel(ctx, cid)
	if err != nil {
		return err
	}
	if !ch.Config.TypingEvents {
		return precondition(op, ErrTypingDisabled)
	}
	return nil
}
