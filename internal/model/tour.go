package model

import (
	"time"

	"github.com/google/uuid"
)

// TourCategory classifies a tour listing.
type TourCategory string

const (
	TourCategoryFree   TourCategory = "free"
	TourCategoryPaid   TourCategory = "paid"
	TourCategoryBoat   TourCategory = "boat"
	TourCategoryMuseum TourCategory = "museum"
)

// Valid reports whether c is a known tour category.
func (c TourCategory) Valid() bool {
	switch c {
	case TourCategoryFree, TourCategoryPaid, TourCategoryBoat, TourCategoryMuseum:
		return true
	}
	return false
}

// Tour is a listing published by a guide.
type Tour struct {
	ID             uuid.UUID    `json:"id"               db:"id"`
	GuideID        uuid.UUID    `json:"guide_id"         db:"guide_id"         validate:"required"`
	Title          string       `json:"title"            db:"title"            validate:"required,max=200"`
	Description    *string      `json:"description"      db:"description"`
	BasePriceCents *int64       `json:"base_price_cents" db:"base_price_cents" validate:"omitempty,gte=0"`
	IsPublic       bool         `json:"is_public"        db:"is_public"`
	Category       TourCategory `json:"category"         db:"category"         validate:"tourcategory"`
	ProviderName   *string      `json:"provider_name"    db:"provider_name"`
	TipsEnabled    bool         `json:"tips_enabled"     db:"tips_enabled"`
	MeetingPoint   *string      `json:"meeting_point"    db:"meeting_point"`
	CreatedAt      time.Time    `json:"created_at"       db:"created_at"`
}

// ApplyDefaults fills zero-valued fields with their schema defaults.
func (t *Tour) ApplyDefaults() {
	if t.Category == "" {
		t.Category = TourCategoryPaid
	}
}

// TimeSlot is a bookable window offered by a guide.
type TimeSlot struct {
	ID       uuid.UUID `json:"id"        db:"id"`
	GuideID  uuid.UUID `json:"guide_id"  db:"guide_id"  validate:"required"`
	StartUTC time.Time `json:"start_utc" db:"start_utc" validate:"required"`
	EndUTC   time.Time `json:"end_utc"   db:"end_utc"   validate:"required,gtfield=StartUTC"`
	Capacity int       `json:"capacity"  db:"capacity"  validate:"gte=1"`
	IsOpen   bool      `json:"is_open"   db:"is_open"`
}

// Duration returns the length of the slot.
func (s *TimeSlot) Duration() time.Duration {
	return s.EndUTC.Sub(s.StartUTC)
}
