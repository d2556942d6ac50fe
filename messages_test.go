package chatsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

const sendCID = "messaging:general"

func attachmentByID(t *testing.T, m Message, id string) Attachment {
	t.Helper()
	for _, a := range m.Attachments {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("attachment %s not found in %+v", id, m.Attachments)
	return Attachment{}
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("text only", func(t *testing.T) {
		api := &fakeAPI{}
		e, repo := newTestEngine(t, api, []Channel{testChannel(sendCID)})

		sent, err := e.SendMessage(ctx, Message{CID: sendCID, Text: "hello"})
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if sent.ID == "" || sent.SyncStatus != SyncStatusCompleted {
			t.Fatalf("unexpected message %+v", sent)
		}
		if sent.User.ID != testMe.ID || sent.CreatedLocallyAt == nil || !sent.CreatedLocallyAt.Equal(testNow) {
			t.Errorf("local fields not set: %+v", sent)
		}
		stored := mustMessage(t, repo, sent.ID)
		if stored.SyncStatus != SyncStatusCompleted || stored.CreatedAt == nil {
			t.Errorf("stored message not confirmed: %+v", stored)
		}
		ch := mustChannel(t, e, sendCID)
		if len(ch.Messages) != 1 || ch.LastMessage == nil || ch.LastMessage.ID != sent.ID {
			t.Errorf("channel not updated: %+v", ch)
		}
		if ch.UnreadCount != 0 {
			t.Errorf("own messages are never unread, got %d", ch.UnreadCount)
		}
	})

	t.Run("attachments are uploaded before sending", func(t *testing.T) {
		api := &fakeAPI{}
		api.sendMessage = func(_ context.Context, msg Message) (Message, error) {
			if !msg.AllAttachmentsUploaded() {
				t.Errorf("message sent before its uploads finished: %+v", msg.Attachments)
			}
			return msg, nil
		}
		e, repo := newTestEngine(t, api, []Channel{testChannel(sendCID)})

		sent, err := e.SendMessage(ctx, Message{
			CID:  sendCID,
			Text: "files",
			Attachments: []Attachment{
				{ID: "img", MimeType: "image/png", LocalPath: "/tmp/photo.png", FileSize: 10},
				{ID: "doc", MimeType: "application/pdf", LocalPath: "/tmp/report.pdf", FileSize: 20},
				{ID: "link", Type: "link", AssetURL: "https://example.com"},
			},
		})
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if api.count("UploadFile") != 2 {
			t.Errorf("expected 2 uploads, got %d", api.count("UploadFile"))
		}
		stored := mustMessage(t, repo, sent.ID)
		if stored.SyncStatus != SyncStatusCompleted {
			t.Errorf("expected completed, got %s", stored.SyncStatus)
		}
		if a := attachmentByID(t, stored, "img"); a.ImageURL != "https://cdn.example.com/img" || a.UploadState.Status != UploadSuccess {
			t.Errorf("unexpected image attachment %+v", a)
		}
		if a := attachmentByID(t, stored, "doc"); a.AssetURL != "https://cdn.example.com/doc" || a.ImageURL != "" {
			t.Errorf("unexpected file attachment %+v", a)
		}
		if a := attachmentByID(t, stored, "link"); a.UploadState.Status != UploadSuccess {
			t.Errorf("attachments without a local file need no upload, got %+v", a)
		}
	})

	t.Run("network failure keeps the message", func(t *testing.T) {
		var down atomic.Bool
		down.Store(true)
		api := &fakeAPI{sendMessage: func(_ context.Context, msg Message) (Message, error) {
			if down.Load() {
				return Message{}, errors.New("no route to host")
			}
			return msg, nil
		}}
		e, repo := newTestEngine(t, api, []Channel{testChannel(sendCID)})

		failed, err := e.SendMessage(ctx, Message{CID: sendCID, Text: "offline"})
		var ne *NetworkError
		if !errors.As(err, &ne) {
			t.Fatalf("expected NetworkError, got %v", err)
		}
		if failed.SyncStatus != SyncStatusFailedPermanently {
			t.Fatalf("expected failed status, got %s", failed.SyncStatus)
		}
		if stored := mustMessage(t, repo, failed.ID); stored.SyncStatus != SyncStatusFailedPermanently {
			t.Errorf("failed status not stored: %s", stored.SyncStatus)
		}

		down.Store(false)
		resent, err := e.SendMessage(ctx, failed)
		if err != nil {
			t.Fatalf("resend: %v", err)
		}
		if resent.ID != failed.ID || resent.SyncStatus != SyncStatusCompleted {
			t.Fatalf("unexpected resent message %+v", resent)
		}
		if ch := mustChannel(t, e, sendCID); len(ch.Messages) != 1 {
			t.Errorf("a resend must not duplicate the message, got %d", len(ch.Messages))
		}
	})

	t.Run("preconditions", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeAPI{}, nil)
		if _, err := e.SendMessage(ctx, Message{Text: "where"}); !errors.Is(err, ErrChannelNotFound) {
			t.Errorf("expected ErrChannelNotFound, got %v", err)
		}
		offline, _ := newTestEngine(t, nil, nil)
		if _, err := offline.SendMessage(ctx, Message{CID: sendCID}); !errors.Is(err, ErrNoAPI) {
			t.Errorf("expected ErrNoAPI, got %v", err)
		}
	})
}

func TestRetryAttachmentUpload(t *testing.T) {
	ctx := context.Background()
	var broken atomic.Bool
	broken.Store(true)
	api := &fakeAPI{uploadFile: func(_ context.Context, _ string, att Attachment, _ func(int64, int64)) (string, error) {
		if att.ID == "bad" && broken.Load() {
			return "", errors.New("upload interrupted")
		}
		return "https://cdn.example.com/" + att.ID, nil
	}}
	e, repo := newTestEngine(t, api, []Channel{testChannel(sendCID)})

	msg, err := e.SendMessage(ctx, Message{
		CID: sendCID,
		Attachments: []Attachment{
			{ID: "good", MimeType: "text/plain", LocalPath: "/tmp/good.txt"},
			{ID: "bad", MimeType: "text/plain", LocalPath: "/tmp/bad.txt"},
		},
	})
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if msg.SyncStatus != SyncStatusFailedPermanently {
		t.Fatalf("expected failed status, got %s", msg.SyncStatus)
	}
	if api.count("SendMessage") != 0 {
		t.Fatal("a message with a failed upload must not be sent")
	}
	stored := mustMessage(t, repo, msg.ID)
	if a := attachmentByID(t, stored, "good"); a.UploadState.Status != UploadSuccess {
		t.Errorf("a failed upload must not cancel the others, got %+v", a.UploadState)
	}
	if a := attachmentByID(t, stored, "bad"); a.UploadState.Status != UploadFailed || a.UploadState.Error == "" {
		t.Errorf("expected a failed upload state, got %+v", a.UploadState)
	}

	if _, err := e.RetryAttachmentUpload(ctx, msg.ID, "good"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retrying an uploaded attachment: expected ErrNotRetryable, got %v", err)
	}
	if _, err := e.RetryAttachmentUpload(ctx, msg.ID, "nope"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retrying an unknown attachment: expected ErrNotRetryable, got %v", err)
	}

	broken.Store(false)
	done, err := e.RetryAttachmentUpload(ctx, msg.ID, "bad")
	if err != nil {
		t.Fatalf("RetryAttachmentUpload: %v", err)
	}
	if done.SyncStatus != SyncStatusCompleted {
		t.Fatalf("expected the message to be sent after the retry, got %s", done.SyncStatus)
	}
	if api.count("SendMessage") != 1 {
		t.Errorf("expected one send, got %d", api.count("SendMessage"))
	}
	if a := attachmentByID(t, done, "bad"); a.AssetURL != "https://cdn.example.com/bad" {
		t.Errorf("unexpected attachment %+v", a)
	}
}

func TestUploadAttachments(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	e, repo := newTestEngine(t, api, []Channel{testChannel(sendCID)})
	draft := Message{
		ID:         "draft-1",
		CID:        sendCID,
		User:       testMe,
		SyncStatus: SyncStatusAwaitingAttachments,
		Attachments: []Attachment{
			{ID: "a1", Type: "image", LocalPath: "/tmp/a1.jpg", UploadState: uploadIdle()},
			{ID: "a2", LocalPath: "/tmp/a2.bin", UploadState: uploadFailed(errors.New("earlier"))},
		},
	}
	if err := repo.InsertMessages(ctx, []Message{draft}); err != nil {
		t.Fatal(err)
	}

	msg, err := e.UploadAttachments(ctx, draft.ID)
	if err != nil {
		t.Fatalf("UploadAttachments: %v", err)
	}
	if api.count("UploadFile") != 1 {
		t.Errorf("only idle attachments are uploaded, got %d uploads", api.count("UploadFile"))
	}
	if a := attachmentByID(t, msg, "a1"); a.UploadState.Status != UploadSuccess || a.ImageURL == "" {
		t.Errorf("unexpected attachment %+v", a)
	}
	if a := attachmentByID(t, msg, "a2"); a.UploadState.Status != UploadFailed {
		t.Errorf("failed attachments are left alone, got %+v", a.UploadState)
	}
	if api.count("SendMessage") != 0 || msg.SyncStatus != SyncStatusAwaitingAttachments {
		t.Errorf("UploadAttachments must not send, status %s", msg.SyncStatus)
	}

	if _, err := e.UploadAttachments(ctx, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}
