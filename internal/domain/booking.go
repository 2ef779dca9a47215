package domain

import "time"

type BookingStatus string

const (
	BookingAccepted  BookingStatus = "accepted"
	BookingPending   BookingStatus = "pending"
	BookingCancelled BookingStatus = "cancelled"
	BookingRejected  BookingStatus = "rejected"
	// BookingSkipped marks a recurring occurrence dropped for a conflict.
	// The row is kept so the series indices stay contiguous.
	BookingSkipped BookingStatus = "skipped"
)

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyCustom   Frequency = "custom"
)

type Booking struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"userId"`
	Title              string        `json:"title"`
	Start              time.Time     `json:"startTime"`
	End                time.Time     `json:"endTime"`
	Status             BookingStatus `json:"status"`
	RecurringGroupID   string        `json:"recurringGroupId,omitempty"`
	RecurringIndex     int           `json:"recurringIndex"`
	RecurringCount     int           `json:"recurringCount,omitempty"`
	RecurringFrequency Frequency     `json:"recurringFrequency,omitempty"`
	RecurringInterval  int           `json:"recurringInterval,omitempty"`
	ExternalEventUID   string        `json:"externalEventUid,omitempty"`
	HasConflict        bool          `json:"hasConflict"`
	ConflictCheckedAt  time.Time     `json:"conflictCheckedAt,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Live reports whether the booking still occupies its slot.
func (b *Booking) Live() bool {
	return b.Status == BookingAccepted || b.Status == BookingPending
}
