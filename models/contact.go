package models

// Contact represents an added chat correspondent.
type Contact struct {
	Address        string `json:"address"`
	Domain         string `json:"domain"`
	AddedTimestamp int64  `json:"added_timestamp"`
	LastSeenAt     int64  `json:"last_seen_at"`
}
