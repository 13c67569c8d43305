package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"sealchat/models"
	"sealchat/storage"
)

func TestSendAndOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	bobKeys := registerUser(t, backend, "bob")

	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})
	bob := newTestSession(t, backend, "bob", bobKeys, Options{})

	sent, err := alice.Send(ctx, "bob", Outgoing{Text: "hi"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sent.CreatedAt == 0 {
		t.Fatalf("expected server-assigned created_at")
	}

	stored := backend.storedMessages("alice_bob")
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored record, got %d", len(stored))
	}
	record := stored[0]
	if record.SenderEcho != "" || record.SelfWrappedKey == "" || record.WrappedKey == "" {
		t.Fatalf("expected sealed self copy without plaintext echo: %+v", record)
	}
	if strings.Contains(record.CipherText, "hi") || strings.Contains(record.CipherText, base64.StdEncoding.EncodeToString([]byte("hi"))) {
		t.Fatalf("plaintext leaked into the stored record")
	}

	bobView, err := bob.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("bob Open failed: %v", err)
	}
	got := waitForMessages(t, bobView, func(m []models.DisplayMessage) bool { return len(m) == 1 })
	if got[0].Text != "hi" || got[0].SenderID != "alice" || got[0].Outgoing || got[0].Failed {
		t.Fatalf("unexpected message on bob's view: %+v", got[0])
	}

	aliceView, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("alice Open failed: %v", err)
	}
	own := waitForMessages(t, aliceView, func(m []models.DisplayMessage) bool { return len(m) == 1 })
	if own[0].Text != "hi" || !own[0].Outgoing {
		t.Fatalf("unexpected own message on alice's view: %+v", own[0])
	}

	if _, err := bob.Send(ctx, "alice", Outgoing{Text: "hello back"}); err != nil {
		t.Fatalf("bob Send failed: %v", err)
	}
	both := waitForMessages(t, aliceView, func(m []models.DisplayMessage) bool { return len(m) == 2 })
	if both[0].Text != "hi" || both[1].Text != "hello back" {
		t.Fatalf("expected ascending display order, got %+v", both)
	}
}

func TestSendWithPlainEchoPolicy(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	registerUser(t, backend, "bob")

	alice := newTestSession(t, backend, "alice", aliceKeys, Options{EchoPolicy: EchoPlain})

	if _, err := alice.Send(ctx, "bob", Outgoing{Text: "legacy"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	record := backend.storedMessages("alice_bob")[0]
	if record.SelfWrappedKey != "" {
		t.Fatalf("expected no self wrapped key under plain echo")
	}
	if record.SenderEcho != base64.StdEncoding.EncodeToString([]byte("legacy")) {
		t.Fatalf("unexpected sender echo %q", record.SenderEcho)
	}

	view, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got := waitForMessages(t, view, func(m []models.DisplayMessage) bool { return len(m) == 1 })
	if got[0].Text != "legacy" || got[0].Failed {
		t.Fatalf("expected echo to render, got %+v", got[0])
	}
}

func TestSendToUnknownPeerAppendsNothing(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})

	_, err := alice.Send(ctx, "carol", Outgoing{Text: "anyone?"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("not found must not be retryable")
	}
	if got := backend.storedMessages("alice_carol"); len(got) != 0 {
		t.Fatalf("expected no record appended, got %d", len(got))
	}
}

func TestSendWithUnavailableDirectoryIsRetryable(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	registerUser(t, backend, "bob")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})

	backend.lookupErr = ErrUnavailable
	_, err := alice.Send(ctx, "bob", Outgoing{Text: "later"})
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if got := backend.storedMessages("alice_bob"); len(got) != 0 {
		t.Fatalf("expected no record appended, got %d", len(got))
	}
}

func TestSendReportsChannelWriteFailure(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	registerUser(t, backend, "bob")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})

	backend.appendErr = ErrUnavailable
	_, err := alice.Send(ctx, "bob", Outgoing{Text: "lost"})
	if !errors.Is(err, ErrChannelWrite) || !IsRetryable(err) {
		t.Fatalf("expected retryable channel write error, got %v", err)
	}
}

func TestSendDuplicateMessageIDIsRejected(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	registerUser(t, backend, "bob")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{
		NewMessageID: func() string { return "fixed-id" },
	})

	if _, err := alice.Send(ctx, "bob", Outgoing{Text: "one"}); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if _, err := alice.Send(ctx, "bob", Outgoing{Text: "two"}); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestSendValidatesOutgoing(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	registerUser(t, backend, "bob")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})

	invalid := []Outgoing{
		{},
		{Text: "x", Attachment: &models.Attachment{Ref: "blob://1", Kind: models.AttachmentImage}},
		{Attachment: &models.Attachment{Ref: "blob://1", Kind: models.AttachmentNone}},
		{Attachment: &models.Attachment{Kind: models.AttachmentDocument}},
		{Text: string([]byte{0xff, 0xfe})},
	}
	for i, out := range invalid {
		if _, err := alice.Send(ctx, "bob", out); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("case %d: expected ErrInvalidRecord, got %v", i, err)
		}
	}
	if _, err := alice.Send(ctx, "alice", Outgoing{Text: "self"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for self conversation, got %v", err)
	}
}

func TestAttachmentOnlyMessage(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	bobKeys := registerUser(t, backend, "bob")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})
	bob := newTestSession(t, backend, "bob", bobKeys, Options{})

	attachment := &models.Attachment{Ref: "blob://photo-1", Kind: models.AttachmentImage}
	if _, err := alice.Send(ctx, "bob", Outgoing{Attachment: attachment}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	record := backend.storedMessages("alice_bob")[0]
	if record.CipherText != "" || record.WrappedKey == "" {
		t.Fatalf("expected empty cipher text with a wrapped key, got %+v", record)
	}

	view, err := bob.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got := waitForMessages(t, view, func(m []models.DisplayMessage) bool { return len(m) == 1 })
	if got[0].Failed || got[0].Text != "" || got[0].Attachment == nil || *got[0].Attachment != *attachment {
		t.Fatalf("unexpected attachment message %+v", got[0])
	}
}

func TestViewRendersUndecryptableMessagesAsFailed(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	registerUser(t, backend, "alice")
	bobKeys := registerUser(t, backend, "bob")
	bob := newTestSession(t, backend, "bob", bobKeys, Options{})

	if _, err := bob.Send(ctx, "alice", Outgoing{Text: "secret"}); err != nil {
		t.Fatalf("Send text failed: %v", err)
	}
	if _, err := bob.Send(ctx, "alice", Outgoing{Attachment: &models.Attachment{Ref: "blob://doc", Kind: models.AttachmentDocument}}); err != nil {
		t.Fatalf("Send attachment failed: %v", err)
	}

	// Alice's device store was reset and now holds a key the directory never saw.
	replacement := newTestKeys(t)
	pair, err := replacement.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := replacement.PersistPrivate(pair.Private); err != nil {
		t.Fatalf("PersistPrivate failed: %v", err)
	}

	events, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	alice := newTestSession(t, backend, "alice", replacement, Options{Events: events})
	view, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got := waitForMessages(t, view, func(m []models.DisplayMessage) bool { return len(m) == 2 })

	if !got[0].Failed || got[0].FailureReason != ReasonUnwrap || got[0].Text != "" {
		t.Fatalf("expected failed text message, got %+v", got[0])
	}
	if got[1].Failed || got[1].Attachment == nil {
		t.Fatalf("expected attachment to render, got %+v", got[1])
	}

	recorded, err := events.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.EventUnsealFailed})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected 1 unseal event, got %d", len(recorded))
	}
}

func TestViewWithWipedKeyStillRendersHistory(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	bobKeys := registerUser(t, backend, "bob")
	bob := newTestSession(t, backend, "bob", bobKeys, Options{})

	if _, err := bob.Send(ctx, "alice", Outgoing{Text: "before the wipe"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := aliceKeys.Wipe(); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}

	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})
	view, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got := waitForMessages(t, view, func(m []models.DisplayMessage) bool { return len(m) == 1 })
	if !got[0].Failed || got[0].FailureReason != ReasonKeyUnavailable {
		t.Fatalf("expected key-unavailable failure, got %+v", got[0])
	}

	if _, err := bob.Send(ctx, "alice", Outgoing{Text: "after the wipe"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	more := waitForMessages(t, view, func(m []models.DisplayMessage) bool { return len(m) == 2 })
	if !more[1].Failed {
		t.Fatalf("expected new message to fail as well, got %+v", more[1])
	}
}

func TestViewMarksMalformedRecordsInvalid(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	registerUser(t, backend, "bob")

	if _, err := backend.Append(ctx, models.SealedMessage{
		ID:             "broken",
		ConversationID: "alice_bob",
		Sender:         models.Sender{ID: "bob"},
		CipherText:     "abc",
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})
	view, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got := waitForMessages(t, view, func(m []models.DisplayMessage) bool { return len(m) == 1 })
	if !got[0].Failed || got[0].FailureReason != ReasonInvalidRecord {
		t.Fatalf("expected invalid record failure, got %+v", got[0])
	}
}

func TestTypingIndicator(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	bobKeys := registerUser(t, backend, "bob")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})
	bob := newTestSession(t, backend, "bob", bobKeys, Options{})

	watch, err := alice.WatchTyping(ctx, "bob")
	if err != nil {
		t.Fatalf("WatchTyping failed: %v", err)
	}
	waitForTyping(t, watch, false)

	if err := bob.Typing(ctx, "alice", true); err != nil {
		t.Fatalf("Typing true failed: %v", err)
	}
	waitForTyping(t, watch, true)

	if err := bob.Typing(ctx, "alice", false); err != nil {
		t.Fatalf("Typing false failed: %v", err)
	}
	waitForTyping(t, watch, false)

	if err := alice.Typing(ctx, "bob", true); err != nil {
		t.Fatalf("own Typing failed: %v", err)
	}
	select {
	case typing := <-watch.Updates():
		if typing {
			t.Fatalf("own typing must not show as peer typing")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendClearsTyping(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	bobKeys := registerUser(t, backend, "bob")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})
	bob := newTestSession(t, backend, "bob", bobKeys, Options{})

	watch, err := alice.WatchTyping(ctx, "bob")
	if err != nil {
		t.Fatalf("WatchTyping failed: %v", err)
	}
	if err := bob.Typing(ctx, "alice", true); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}
	waitForTyping(t, watch, true)

	if _, err := bob.Send(ctx, "alice", Outgoing{Text: "done typing"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForTyping(t, watch, false)
}

func TestConversationsPreview(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	bobKeys := registerUser(t, backend, "bob")
	carolKeys := registerUser(t, backend, "carol")
	registerUser(t, backend, "dave")

	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})
	bob := newTestSession(t, backend, "bob", bobKeys, Options{})
	carol := newTestSession(t, backend, "carol", carolKeys, Options{})

	if _, err := bob.Send(ctx, "alice", Outgoing{Text: "from bob"}); err != nil {
		t.Fatalf("bob Send failed: %v", err)
	}
	if _, err := carol.Send(ctx, "alice", Outgoing{Text: "from carol"}); err != nil {
		t.Fatalf("carol Send failed: %v", err)
	}
	if _, err := alice.Send(ctx, "bob", Outgoing{Text: "reply to bob"}); err != nil {
		t.Fatalf("alice Send failed: %v", err)
	}

	summaries, err := alice.Conversations(ctx, []string{"bob", "carol", "dave"})
	if err != nil {
		t.Fatalf("Conversations failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(summaries))
	}
	if summaries[0].PeerID != "bob" || summaries[0].Last.Text != "reply to bob" || !summaries[0].Last.Outgoing {
		t.Fatalf("unexpected newest conversation %+v", summaries[0])
	}
	if summaries[1].PeerID != "carol" || summaries[1].Last.Text != "from carol" {
		t.Fatalf("unexpected second conversation %+v", summaries[1])
	}
}

func TestMissingKeyEventNamesLocalUser(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	bobKeys := registerUser(t, backend, "bob")
	bob := newTestSession(t, backend, "bob", bobKeys, Options{})

	if _, err := bob.Send(ctx, "alice", Outgoing{Text: "hello"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := aliceKeys.Wipe(); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}

	events, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	alice := newTestSession(t, backend, "alice", aliceKeys, Options{Events: events})
	summaries, err := alice.Conversations(ctx, []string{"bob"})
	if err != nil {
		t.Fatalf("Conversations failed: %v", err)
	}
	if len(summaries) != 1 || !summaries[0].Last.Failed {
		t.Fatalf("expected one failed preview, got %+v", summaries)
	}

	recorded, err := events.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.EventPrivateKeyMissing})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected 1 key-missing event, got %d", len(recorded))
	}
	if recorded[0].SubjectID == nil || *recorded[0].SubjectID != "alice" {
		t.Fatalf("expected event subject alice, got %v", recorded[0].SubjectID)
	}
	if strings.Contains(recorded[0].Details, "conversation_id") {
		t.Fatalf("expected no conversation id on a conversation-list event, got %s", recorded[0].Details)
	}
}

func TestSendRejectsOversizedText(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	registerUser(t, backend, "bob")
	alice := newTestSession(t, backend, "alice", aliceKeys, Options{})

	_, err := alice.Send(ctx, "bob", Outgoing{Text: strings.Repeat("x", models.MaxRecordSize)})
	if !errors.Is(err, ErrInvalidRecord) || !errors.Is(err, ErrChannelWrite) {
		t.Fatalf("expected ErrChannelWrite wrapping ErrInvalidRecord, got %v", err)
	}
	if got := backend.storedMessages("alice_bob"); len(got) != 0 {
		t.Fatalf("expected nothing appended, got %d records", len(got))
	}
}

func TestSessionCloseCancelsViews(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	aliceKeys := registerUser(t, backend, "alice")
	registerUser(t, backend, "bob")

	alice, err := NewSession(Options{
		LocalID:   "alice",
		Directory: backend,
		Channel:   backend,
		Presence:  backend,
		Keys:      aliceKeys,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	view, err := alice.Open(ctx, "bob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	typing, err := alice.WatchTyping(ctx, "bob")
	if err != nil {
		t.Fatalf("WatchTyping failed: %v", err)
	}

	if err := alice.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-view.Updates(); ok {
		t.Fatalf("expected view to be closed")
	}
	if _, ok := <-typing.Updates(); ok {
		t.Fatalf("expected typing view to be closed")
	}
	if _, err := alice.Send(ctx, "bob", Outgoing{Text: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestNewSessionValidatesOptions(t *testing.T) {
	backend := newMemBackend()
	keys := newTestKeys(t)

	if _, err := NewSession(Options{LocalID: "a_b", Directory: backend, Channel: backend, Presence: backend, Keys: keys}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if _, err := NewSession(Options{LocalID: "alice"}); err == nil {
		t.Fatalf("expected missing collaborators error")
	}
	if _, err := NewSession(Options{LocalID: "alice", Directory: backend, Channel: backend, Presence: backend, Keys: keys, EchoPolicy: "loud"}); err == nil {
		t.Fatalf("expected echo policy error")
	}
}
