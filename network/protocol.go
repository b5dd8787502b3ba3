package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxMessageBytes bounds one inbound websocket frame.
	DefaultMaxMessageBytes = 1 << 20
	// DefaultWriteTimeout bounds one outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval sends keepalive pings on every session.
	DefaultPingInterval = 30 * time.Second
)

// Inbound envelope types.
const (
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypePresence    = "presence"
)

// Outbound envelope types. typing and read_receipt are shared with inbound.
const (
	TypeConnected      = "connected"
	TypeMessageAck     = "message_ack"
	TypeReceiveMessage = "receive_message"
	TypeError          = "error"
)

// Websocket close codes sent by the gateway.
const (
	CloseAuthFailed = 4001
	CloseReplaced   = 4002
)

// Close reasons and error messages shown to clients.
const (
	ReasonMissingToken = "Missing authentication token"
	ReasonAuthFailed   = "Authentication failed"
	ReasonReplaced     = "Replaced by a newer connection"

	ConnectedMessage        = "Connected to Kuno gateway"
	ErrTextProcess          = "Failed to process message"
	ErrTextRecipientUnknown = "Recipient not found"
	ErrTextSendFailed       = "Failed to send message"
)

// ErrMalformedEnvelope indicates a frame that is not a {type, payload} envelope.
var ErrMalformedEnvelope = errors.New("network: malformed envelope")

// Envelope is the {type, payload} wrapper of every websocket frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendMessageRequest asks the gateway to route an opaque payload.
type SendMessageRequest struct {
	RecipientUsername string `json:"recipientUsername"`
	RecipientDeviceID *int   `json:"recipientDeviceId,omitempty"`
	EncryptedPayload  string `json:"encryptedPayload"`
	MessageType       string `json:"messageType"`
}

// TypingRequest is a typing indicator addressed by username.
type TypingRequest struct {
	RecipientUsername string `json:"recipientUsername"`
	IsTyping          bool   `json:"isTyping"`
}

// ReadReceiptRequest tells the original sender a message was read.
type ReadReceiptRequest struct {
	MessageID      string `json:"messageId"`
	SenderUsername string `json:"senderUsername"`
}

// PresenceRequest is accepted and ignored.
type PresenceRequest struct {
	Status string `json:"status"`
}

// ConnectedPayload is sent once after a session is registered.
type ConnectedPayload struct {
	Message  string `json:"message"`
	UserID   string `json:"userId"`
	DeviceID int    `json:"deviceId"`
}

// MessageAck confirms a send_message was accepted.
type MessageAck struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// TypingEvent is a relayed typing indicator.
type TypingEvent struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptEvent is a relayed read receipt.
type ReadReceiptEvent struct {
	MessageID string `json:"messageId"`
	ReadBy    string `json:"readBy"`
	ReadAt    int64  `json:"readAt"`
}

// ErrorPayload reports a request-scoped failure to the requester.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// EncodeEnvelope marshals payload under msgType.
func EncodeEnvelope(msgType string, payload any) ([]byte, error) {
	if msgType == "" {
		return nil, fmt.Errorf("encode envelope: %w", ErrMalformedEnvelope)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	encoded, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msgType, err)
	}
	return encoded, nil
}

// DecodeEnvelope parses one frame. A frame without a type is malformed.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// DecodePayload unmarshals env's payload into out. A missing payload leaves
// out at its zero value.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, env.Type, err)
	}
	return nil
}
