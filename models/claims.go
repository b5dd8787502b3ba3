package models

// Claims are the identity values carried by a verified bearer credential.
type Claims struct {
	AccountID string `json:"userId"`
	Username  string `json:"username"`
	DeviceID  int    `json:"deviceId"`
	ExpiresAt int64  `json:"exp,omitempty"`
}
