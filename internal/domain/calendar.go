package domain

import "time"

type SyncStatus string

const (
	SyncPending      SyncStatus = "pending"
	SyncSyncing      SyncStatus = "syncing"
	SyncSynced       SyncStatus = "synced"
	SyncError        SyncStatus = "error"
	SyncDisconnected SyncStatus = "disconnected"
)

// Calendar is an external calendar connected by a user.
type Calendar struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Provider          string     `json:"provider"`
	ExternalID        string     `json:"externalId"`
	Name              string     `json:"name"`
	CredentialID      string     `json:"credentialId"`
	IsEnabled         bool       `json:"isEnabled"`
	IsPrimary         bool       `json:"isPrimary"`
	CheckForConflicts bool       `json:"checkForConflicts"`
	SyncStatus        SyncStatus `json:"syncStatus"`
	LastSyncedAt      time.Time  `json:"lastSyncedAt,omitempty"`
	LastSyncError     string     `json:"lastSyncError,omitempty"`
	SyncToken         string     `json:"syncToken,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Syncable reports whether a sync may start for this calendar.
func (c *Calendar) Syncable() bool {
	return c.IsEnabled && c.SyncStatus != SyncDisconnected
}

// CalendarCredential holds the OAuth tokens behind one or more calendars.
type CalendarCredential struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Valid        bool      `json:"valid"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ExpiresWithin reports whether the access token expires before now+margin.
// A zero ExpiresAt means the provider did not report one; such tokens are used as-is.
func (c *CalendarCredential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return c.AccessToken == ""
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// SyncedEvent is a busy interval mirrored from a provider calendar.
type SyncedEvent struct {
	ID              string    `json:"id"`
	CalendarID      string    `json:"calendarId"`
	ProviderEventID string    `json:"providerEventId"`
	Title           string    `json:"title"`
	Start           time.Time `json:"startTime"`
	End             time.Time `json:"endTime"`
	SyncedAt        time.Time `json:"syncedAt"`
}

// Overlaps reports whether the event intersects the half-open window [start, end).
func (e *SyncedEvent) Overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && e.End.After(start)
}
