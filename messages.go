package chatsync

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Local writes
// ============================================================================

// loadMessage returns the stored message id.
func (e *Engine) loadMessage(ctx context.Context, op, id string) (Message, error) {
	msgs, err := e.repo.SelectMessages(ctx, []string{id})
	if err != nil {
		return Message{}, &PersistenceError{Op: "select messages", Err: err}
	}
	if len(msgs) == 0 {
		return Message{}, precondition(op, ErrMessageNotFound)
	}
	return msgs[0], nil
}

// storeMessageLocked upserts msg into its channel and persists both. The
// caller holds the lock of msg.CID. A message of a channel that is not
// cached is stored on its own.
func (e *Engine) storeMessageLocked(ctx context.Context, msg Message) error {
	channels, err := e.repo.SelectChannels(ctx, []string{msg.CID})
	if err != nil {
		return &PersistenceError{Op: "select channels", Err: err}
	}
	if len(channels) == 0 {
		if err := e.repo.InsertMessages(ctx, []Message{msg}); err != nil {
			e.metrics.commitFailed()
			return &PersistenceError{Op: "insert messages", Err: err}
		}
		return nil
	}
	ch := upsertMessageInChannel(channels[0], msg)
	ch = updateLastMessage(ch, msg)
	stored := ch
	stored.Messages = nil
	if err := e.repo.StoreStateForChannels(ctx, nil, []Channel{stored}, []Message{msg}); err != nil {
		e.metrics.commitFailed()
		return &PersistenceError{Op: "store message", Err: err}
	}
	e.publishChannels(ch)
	return nil
}

// putMessage stores msg under the lock of its channel.
func (e *Engine) putMessage(ctx context.Context, msg Message) error {
	unlock := e.channelLocks.lock(msg.CID)
	defer unlock()
	return e.storeMessageLocked(ctx, msg)
}

// updateMessage reloads the message under the lock of cid, applies fn and
// stores the result.
func (e *Engine) updateMessage(ctx context.Context, op, cid, id string, fn func(Message) Message) (Message, error) {
	unlock := e.channelLocks.lock(cid)
	defer unlock()
	msg, err := e.loadMessage(ctx, op, id)
	if err != nil {
		return Message{}, err
	}
	msg = fn(msg)
	if err := e.storeMessageLocked(ctx, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// updateChannel reloads cid under its lock, applies fn and stores the
// result without touching the channel's messages.
func (e *Engine) updateChannel(ctx context.Context, op, cid string, fn func(Channel) Channel) (Channel, error) {
	unlock := e.channelLocks.lock(cid)
	defer unlock()
	channels, err := e.repo.SelectChannels(ctx, []string{cid})
	if err != nil {
		return Channel{}, &PersistenceError{Op: "select channels", Err: err}
	}
	if len(channels) == 0 {
		return Channel{}, precondition(op, ErrChannelNotFound)
	}
	ch := fn(channels[0])
	stored := ch
	stored.Messages = nil
	if err := e.repo.InsertChannels(ctx, []Channel{stored}); err != nil {
		e.metrics.commitFailed()
		return Channel{}, &PersistenceError{Op: "insert channels", Err: err}
	}
	e.publishChannels(ch)
	return ch, nil
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage shows msg locally at once, uploads its attachments and sends
// it. A message that cannot be sent stays in the channel with
// SyncStatusFailedPermanently and can be passed to SendMessage again.
func (e *Engine) SendMessage(ctx context.Context, msg Message) (Message, error) {
	const op = "send message"
	if msg.CID == "" {
		return Message{}, precondition(op, ErrChannelNotFound)
	}
	if e.api == nil {
		return Message{}, precondition(op, ErrNoAPI)
	}

	now := e.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.User = e.CurrentUser()
	if msg.Type == "" {
		msg.Type = MessageTypeRegular
	}
	if msg.CreatedLocallyAt == nil {
		msg.CreatedLocallyAt = &now
	}
	msg.Attachments = append([]Attachment(nil), msg.Attachments...)
	for i := range msg.Attachments {
		a := &msg.Attachments[i]
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.UploadState.Status == "" {
			if a.LocalPath != "" {
				a.UploadState = uploadIdle()
			} else {
				a.UploadState = uploadSuccess()
			}
		}
	}
	msg.SyncStatus = SyncStatusInProgress
	if !msg.AllAttachmentsUploaded() {
		msg.SyncStatus = SyncStatusAwaitingAttachments
	}

	if err := e.putMessage(ctx, msg); err != nil {
		return Message{}, err
	}
	e.logger.Debug("message_created", zap.String("cid", msg.CID), zap.String("message_id", msg.ID))
	return e.sendPending(ctx, msg)
}

// sendPending uploads what is missing and sends msg.
func (e *Engine) sendPending(ctx context.Context, msg Message) (Message, error) {
	const op = "send message"
	if !msg.AllAttachmentsUploaded() {
		uploaded, err := e.uploadAttachments(ctx, msg, func(a Attachment) bool {
			return a.UploadState.Status != UploadSuccess
		})
		if err != nil {
			return e.failMessage(ctx, op, uploaded, err)
		}
		msg = uploaded
	}

	msg.SyncStatus = SyncStatusInProgress
	if err := e.putMessage(ctx, msg); err != nil {
		return Message{}, err
	}
	sent, err := e.api.SendMessage(ctx, msg)
	if err != nil {
		return e.failMessage(ctx, op, msg, err)
	}

	final := mergeServerMessage(&msg, sent)
	if final.ID == "" {
		final.ID = msg.ID
	}
	if final.CID == "" {
		final.CID = msg.CID
	}
	final.SyncStatus = SyncStatusCompleted
	if err := e.putMessage(context.WithoutCancel(ctx), final); err != nil {
		return Message{}, err
	}
	e.logger.Debug("message_sent", zap.String("cid", final.CID), zap.String("message_id", final.ID))
	return final, nil
}

func (e *Engine) failMessage(ctx context.Context, op string, msg Message, cause error) (Message, error) {
	msg.SyncStatus = SyncStatusFailedPermanently
	if err := e.putMessage(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.Error("message_status_store_failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	e.logger.Warn("message_send_failed",
		zap.String("cid", msg.CID),
		zap.String("message_id", msg.ID),
		zap.Error(cause),
	)
	var pe *PersistenceError
	if errors.As(cause, &pe) {
		return msg, cause
	}
	return msg, &NetworkError{Op: op, Err: cause}
}
