package models

import "time"

// Quote is one observed price for a tracked pair.
type Quote struct {
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	HasChange bool      `json:"has_change"`
	UpdatedAt time.Time `json:"updated_at"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}
