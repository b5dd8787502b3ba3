package models

// Backend is one storage node holding replicated messages.
type Backend struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
