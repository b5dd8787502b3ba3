package models

// RoutedMessage is one opaque payload routed from a sender device to a recipient account.
// The same record is pushed to live sessions and replicated to storage nodes.
type RoutedMessage struct {
	ID                string `json:"id"`
	SenderID          string `json:"senderId"`
	SenderUsername    string `json:"senderUsername"`
	SenderDeviceID    int    `json:"senderDeviceId"`
	RecipientID       string `json:"recipientId"`
	RecipientUsername string `json:"recipientUsername"`
	RecipientDeviceID *int   `json:"recipientDeviceId,omitempty"`
	MessageType       string `json:"messageType"`
	EncryptedPayload  string `json:"encryptedPayload"`
	Timestamp         int64  `json:"timestamp"`
	Delivered         bool   `json:"delivered"`
	DeliveredAt       *int64 `json:"deliveredAt"`
	ExpiresAt         int64  `json:"expiresAt,omitempty"`
}

// TargetsDevice reports whether a device of the recipient should receive the message.
func (m RoutedMessage) TargetsDevice(deviceID int) bool {
	return m.RecipientDeviceID == nil || *m.RecipientDeviceID == deviceID
}
