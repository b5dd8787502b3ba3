package storage

import (
	"errors"
	"testing"
	"time"
)

func TestStoredMessageCRUD(t *testing.T) {
	store := newTestStore(t)

	base := nowUnixMilli()
	device := 2
	deliveredAt := base + 5

	newer := testMessage("msg-new", "acct-bob", base+10)
	newer.RecipientDeviceID = &device
	newer.Delivered = true
	newer.DeliveredAt = &deliveredAt

	if _, err := store.SaveMessage(newer); err != nil {
		t.Fatalf("SaveMessage newer failed: %v", err)
	}
	saved, err := store.SaveMessage(testMessage("msg-old", "acct-bob", base))
	if err != nil {
		t.Fatalf("SaveMessage older failed: %v", err)
	}
	if saved.ExpiresAt == 0 {
		t.Fatalf("expected default expiry to be applied")
	}
	if _, err := store.SaveMessage(testMessage("msg-other", "acct-carol", base)); err != nil {
		t.Fatalf("SaveMessage other recipient failed: %v", err)
	}

	pending, err := store.GetMessagesForRecipient("acct-bob", time.Now())
	if err != nil {
		t.Fatalf("GetMessagesForRecipient failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 messages for bob, got %d", len(pending))
	}
	if pending[0].ID != "msg-old" || pending[1].ID != "msg-new" {
		t.Fatalf("messages are not ordered by timestamp ascending: %q, %q", pending[0].ID, pending[1].ID)
	}
	got := pending[1]
	if got.RecipientDeviceID == nil || *got.RecipientDeviceID != 2 {
		t.Fatalf("expected recipient device 2, got %v", got.RecipientDeviceID)
	}
	if !got.Delivered || got.DeliveredAt == nil || *got.DeliveredAt != deliveredAt {
		t.Fatalf("expected delivered flags to round trip, got %+v", got)
	}
	if pending[0].RecipientDeviceID != nil || pending[0].DeliveredAt != nil {
		t.Fatalf("expected optional fields to stay empty, got %+v", pending[0])
	}

	if err := store.DeleteMessage("msg-old"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if err := store.DeleteMessage("msg-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.GetMessage("msg-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from GetMessage, got %v", err)
	}
}

func TestSaveMessageIsIdempotentPerID(t *testing.T) {
	store := newTestStore(t)

	message := testMessage("msg-1", "acct-bob", nowUnixMilli())
	if _, err := store.SaveMessage(message); err != nil {
		t.Fatalf("first SaveMessage failed: %v", err)
	}
	message.Delivered = true
	if _, err := store.SaveMessage(message); err != nil {
		t.Fatalf("second SaveMessage failed: %v", err)
	}

	pending, err := store.GetMessagesForRecipient("acct-bob", time.Now())
	if err != nil {
		t.Fatalf("GetMessagesForRecipient failed: %v", err)
	}
	if len(pending) != 1 || !pending[0].Delivered {
		t.Fatalf("expected one updated copy, got %+v", pending)
	}
}

func TestExpiredMessagesAreHiddenAndPruned(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	expired := testMessage("msg-expired", "acct-bob", nowUnixMilli())
	expired.ExpiresAt = now.Add(-time.Minute).Unix()
	if _, err := store.SaveMessage(expired); err != nil {
		t.Fatalf("SaveMessage expired failed: %v", err)
	}
	if _, err := store.SaveMessage(testMessage("msg-live", "acct-bob", nowUnixMilli())); err != nil {
		t.Fatalf("SaveMessage live failed: %v", err)
	}

	pending, err := store.GetMessagesForRecipient("acct-bob", now)
	if err != nil {
		t.Fatalf("GetMessagesForRecipient failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "msg-live" {
		t.Fatalf("expected only live message, got %+v", pending)
	}

	pruned, err := store.PruneExpired(now)
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned message, got %d", pruned)
	}
}

func TestSaveMessageValidatesRequiredFields(t *testing.T) {
	store := newTestStore(t)

	message := testMessage("", "acct-bob", nowUnixMilli())
	if _, err := store.SaveMessage(message); err == nil {
		t.Fatalf("expected missing id to fail")
	}
	message = testMessage("msg-1", "", nowUnixMilli())
	if _, err := store.SaveMessage(message); err == nil {
		t.Fatalf("expected missing recipient to fail")
	}
	message = testMessage("msg-1", "acct-bob", nowUnixMilli())
	message.EncryptedPayload = ""
	if _, err := store.SaveMessage(message); err == nil {
		t.Fatalf("expected missing payload to fail")
	}
}
