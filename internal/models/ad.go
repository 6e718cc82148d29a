package models

import "time"

// AdContent is the seller-authored listing body. The engine treats it as an
// opaque payload handed to adapters; validation happens upstream.
type AdContent struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Category    string   `json:"category"`
	Location    string   `json:"location"`
	Images      []string `json:"images"`
}

type Ad struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   AdContent `json:"content"`
	Status    string    `json:"status"` // draft, scheduled, posted, sold, paused, deleted
	AutoRenew bool      `json:"auto_renew"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deleted reports whether the ad left the syndicatable part of its lifecycle.
func (a *Ad) Deleted() bool {
	return a.Status == AdStatusSold || a.Status == AdStatusDeleted
}
