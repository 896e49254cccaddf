package model

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

// Valid reports whether s is a known booking status.
func (s BookingStatus) Valid() bool {
	return s == BookingConfirmed || s == BookingCancelled
}

// Booking reserves places on a time slot. Guests may book without an
// account, in which case UserID is nil and EditToken grants access.
type Booking struct {
	ID         uuid.UUID     `json:"id"           db:"id"`
	TimeSlotID uuid.UUID     `json:"time_slot_id" db:"time_slot_id" validate:"required"`
	UserID     *uuid.UUID    `json:"user_id"      db:"user_id"`
	GuestName  string        `json:"guest_name"   db:"guest_name"   validate:"required"`
	GuestEmail string        `json:"guest_email"  db:"guest_email"  validate:"required,email"`
	GuestPhone *string       `json:"guest_phone"  db:"guest_phone"`
	PartySize  int           `json:"party_size"   db:"party_size"   validate:"gte=1"`
	Status     BookingStatus `json:"status"       db:"status"       validate:"required,bookingstatus"`
	EditToken  string        `json:"edit_token"   db:"edit_token"   validate:"required"`
	CreatedAt  time.Time     `json:"created_at"   db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"   db:"updated_at"`
}
