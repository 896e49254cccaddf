package model

// Plan is a subscription tier offered to one audience. Prices are in the
// smallest currency unit.
type Plan struct {
	ID         string   `json:"id"          mapstructure:"id"          validate:"required"`
	Name       string   `json:"name"        mapstructure:"name"        validate:"required"`
	Audience   UserType `json:"audience"    mapstructure:"audience"    validate:"required,usertype"`
	PriceCents int64    `json:"price_cents" mapstructure:"price_cents" validate:"min=0"`
	Currency   string   `json:"currency"    mapstructure:"currency"    validate:"required,len=3"`
	Interval   string   `json:"interval"    mapstructure:"interval"    validate:"required,oneof=month year"`
	Features   []string `json:"features"    mapstructure:"features"`
}

// Free reports whether the plan costs nothing.
func (p Plan) Free() bool { return p.PriceCents == 0 }

// DefaultPlans is the catalog used when none is configured.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID: "explorer", Name: "Explorer", Audience: UserTypeTourist,
			Currency: "EUR", Interval: "month",
			Features: []string{"Book tours", "Save favorites"},
		},
		{
			ID: "guide-starter", Name: "Guide Starter", Audience: UserTypeGuide,
			Currency: "EUR", Interval: "month",
			Features: []string{"Up to 3 tours", "Booking calendar"},
		},
		{
			ID: "guide-pro", Name: "Guide Pro", Audience: UserTypeGuide,
			PriceCents: 1900, Currency: "EUR", Interval: "month",
			Features: []string{"Unlimited tours", "Booking calendar", "Featured listing"},
		},
	}
}
