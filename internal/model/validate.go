package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report JSON field names so messages match the wire format.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("usertype", func(fl validator.FieldLevel) bool {
			return UserType(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("tourcategory", func(fl validator.FieldLevel) bool {
			return TourCategory(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("bookingstatus", func(fl validator.FieldLevel) bool {
			return BookingStatus(fl.Field().String()).Valid()
		})
		validate = v
	})
	return validate
}

// FieldProblem describes one failed rule on one field.
type FieldProblem struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// ValidationError is returned by Validate when a record breaks its schema.
type ValidationError struct {
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (p FieldProblem) String() string {
	switch p.Rule {
	case "required":
		return p.Field + " is required"
	case "email":
		return p.Field + " must be a valid email"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", p.Field, p.Param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", p.Field, p.Param)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", p.Field, p.Param)
	case "gtfield":
		return fmt.Sprintf("%s must be after %s", p.Field, p.Param)
	case "url":
		return p.Field + " must be a valid url"
	default:
		return fmt.Sprintf("%s is invalid (%s)", p.Field, p.Rule)
	}
}

// Validate checks v against its struct tags. It returns a *ValidationError
// describing every failed field, or nil.
func Validate(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	out := &ValidationError{Problems: make([]FieldProblem, 0, len(verrs))}
	for _, fe := range verrs {
		out.Problems = append(out.Problems, FieldProblem{
			Field: fe.Field(),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}
