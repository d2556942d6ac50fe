package chatsync

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxConcurrentUploads bounds the uploads of one message.
const MaxConcurrentUploads = 4

// UploadAttachments uploads the idle attachments of a stored message. It
// does not send the message.
func (e *Engine) UploadAttachments(ctx context.Context, messageID string) (Message, error) {
	const op = "upload attachments"
	if e.api == nil {
		return Message{}, precondition(op, ErrNoAPI)
	}
	msg, err := e.loadMessage(ctx, op, messageID)
	if err != nil {
		return Message{}, err
	}
	msg, err = e.uploadAttachments(ctx, msg, func(a Attachment) bool {
		return a.UploadState.Status == UploadIdle
	})
	if err != nil {
		return msg, &NetworkError{Op: op, Err: err}
	}
	return msg, nil
}

// RetryAttachmentUpload uploads one failed attachment again. Once every
// attachment is uploaded, a message that was waiting for them is sent.
func (e *Engine) RetryAttachmentUpload(ctx context.Context, messageID, attachmentID string) (Message, error) {
	const op = "retry attachment upload"
	if e.api == nil {
		return Message{}, precondition(op, ErrNoAPI)
	}
	msg, err := e.loadMessage(ctx, op, messageID)
	if err != nil {
		return Message{}, err
	}
	var found bool
	for _, a := range msg.Attachments {
		if a.ID != attachmentID {
			continue
		}
		if a.UploadState.Status != UploadFailed {
			return Message{}, precondition(op, ErrNotRetryable)
		}
		found = true
	}
	if !found {
		return Message{}, precondition(op, fmt.Errorf("attachment %q: %w", attachmentID, ErrNotRetryable))
	}

	msg, err = e.uploadAttachments(ctx, msg, func(a Attachment) bool { return a.ID == attachmentID })
	if err != nil {
		return msg, &NetworkError{Op: op, Err: err}
	}
	switch msg.SyncStatus {
	case SyncStatusAwaitingAttachments, SyncStatusFailedPermanently:
		if msg.AllAttachmentsUploaded() {
			return e.sendPending(ctx, msg)
		}
	}
	return msg, nil
}

// uploadAttachments uploads the picked attachments of msg concurrently and
// returns the stored message afterwards. Every attachment ends in Success or
// Failed; a failed upload does not cancel the others.
func (e *Engine) uploadAttachments(ctx context.Context, msg Message, pick func(Attachment) bool) (Message, error) {
	var g errgroup.Group
	g.SetLimit(MaxConcurrentUploads)
	for _, a := range msg.Attachments {
		if !pick(a) {
			continue
		}
		g.Go(func() error {
			return e.uploadAttachment(ctx, msg.CID, msg.ID, a)
		})
	}
	err := g.Wait()

	stored, lerr := e.loadMessage(context.WithoutCancel(ctx), "upload attachments", msg.ID)
	if lerr != nil {
		return msg, lerr
	}
	return stored, err
}

func (e *Engine) uploadAttachment(ctx context.Context, cid, messageID string, att Attachment) error {
	setState := func(ctx context.Context, fn func(*Attachment)) {
		_, err := e.updateMessage(ctx, "upload attachment", cid, messageID, func(m Message) Message {
			atts := append([]Attachment(nil), m.Attachments...)
			for i := range atts {
				if atts[i].ID == att.ID {
					fn(&atts[i])
				}
			}
			m.Attachments = atts
			return m
		})
		if err != nil {
			e.logger.Warn("attachment_state_store_failed", zap.String("attachment_id", att.ID), zap.Error(err))
		}
	}

	setState(ctx, func(a *Attachment) { a.UploadState = uploadInProgress(0, att.FileSize) })
	url, err := e.api.UploadFile(ctx, cid, att, func(uploaded, total int64) {
		setState(ctx, func(a *Attachment) { a.UploadState = uploadInProgress(uploaded, total) })
	})
	if err != nil {
		setState(context.WithoutCancel(ctx), func(a *Attachment) { a.UploadState = uploadFailed(err) })
		e.logger.Warn("attachment_upload_failed",
			zap.String("message_id", messageID),
			zap.String("attachment_id", att.ID),
			zap.Error(err),
		)
		return err
	}

	setState(context.WithoutCancel(ctx), func(a *Attachment) {
		a.UploadState = uploadSuccess()
		if strings.HasPrefix(a.MimeType, "image/") || a.Type == "image" {
			a.ImageURL = url
		} else {
			a.AssetURL = url
		}
	})
	e.logger.Debug("attachment_uploaded", zap.String("attachment_id", att.ID))
	return nil
}
