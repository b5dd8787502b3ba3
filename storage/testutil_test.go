package storage

import (
	"testing"

	"kuno/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testMessage(id, recipientID string, timestamp int64) models.RoutedMessage {
	return models.RoutedMessage{
		ID:                id,
		SenderID:          "acct-alice",
		SenderUsername:    "alice",
		SenderDeviceID:    1,
		RecipientID:       recipientID,
		RecipientUsername: "bob",
		MessageType:       "whisper",
		EncryptedPayload:  "ciphertext-" + id,
		Timestamp:         timestamp,
	}
}
