package models

import "time"

// Credentials is the already-decrypted capability handed to an adapter.
// Secret storage mechanics live outside the engine.
type Credentials struct {
	Username    string            `json:"username"`
	Password    string            `json:"password"`
	Email       string            `json:"email,omitempty"`
	AccessToken string            `json:"access_token,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// PlatformAccount identifies one (user, platform) pair. Besides carrying
// credentials it is the rate-limit and trip identity for the controller.
type PlatformAccount struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Platform    string      `json:"platform"`
	AccountName string      `json:"account_name"`
	Status      string      `json:"status"` // active, suspended, flagged
	Credentials Credentials `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
	LastUsedAt  *time.Time  `json:"last_used_at,omitempty"`
}

// RateKey is the identity used by the rate controller and trip state.
func (a *PlatformAccount) RateKey() string {
	return a.Platform + ":" + a.ID
}
