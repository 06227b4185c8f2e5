package model

import "time"

// Status is the lifecycle state of one session runtime.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusOpen         Status = "open"
	StatusReconnecting Status = "reconnecting"
	StatusLoggedOut    Status = "logged_out"
	StatusStopped      Status = "stopped"
)

// SessionMeta is the persisted part of a session.
type SessionMeta struct {
	ID            string
	Label         string
	AutoStart     bool
	WebhookURL    string // comma separated when several targets are configured
	WebhookSecret string // comma separated, first one signs
	OwnerID       string
	CreatedAt     time.Time
}

// SessionPatch carries the fields supplied to a registry upsert. Nil fields
// keep their stored value.
type SessionPatch struct {
	ID            string
	Label         *string
	AutoStart     *bool
	WebhookURL    *string
	WebhookSecret *string
	OwnerID       *string
}

// Identity is the account a session is authenticated as.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SessionView is what the API returns for one session: metadata merged
// with whatever the live runtime knows.
type SessionView struct {
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	Status          Status    `json:"status"`
	Me              *Identity `json:"me"`
	PushName        string    `json:"pushName,omitempty"`
	AutoStart       bool      `json:"autoStart"`
	WebhookURL      string    `json:"webhookUrl"`
	OwnerID         string    `json:"ownerId,omitempty"`
	CreatedAt       int64     `json:"createdAt"`
	LastConnectedAt int64     `json:"lastConnectedAt,omitempty"`
	Attempts        int       `json:"attempts"`
	QR              string    `json:"qr,omitempty"`
}

// UnixMilli returns 0 for the zero time instead of a large negative value.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
