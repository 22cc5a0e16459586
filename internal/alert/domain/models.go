package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type AlertType string

const (
	TypeEmergency AlertType = "Emergency"
	TypeWarning   AlertType = "Warning"
	TypeAdvisory  AlertType = "Advisory"
)

// Priority orders alert types, 1 being the most urgent. Unknown types sort last.
func (t AlertType) Priority() int {
	switch t {
	case TypeEmergency:
		return 1
	case TypeWarning:
		return 2
	case TypeAdvisory:
		return 3
	default:
		return 4
	}
}

func (t AlertType) Valid() bool { return t.Priority() < 4 }

type AlertStatus string

const StatusActive AlertStatus = "active"

var ErrNotFound = errors.New("alert not found")

// Alert is a broadcast issued by police or tourism staff for an area.
type Alert struct {
	ID           uuid.UUID   `json:"id"`
	Title        string      `json:"title"`
	Type         AlertType   `json:"type"`
	Message      string      `json:"message"`
	Latitude     float64     `json:"latitude"`
	Longitude    float64     `json:"longitude"`
	RadiusM      float64     `json:"radius"` // metres
	Status       AlertStatus `json:"status"`
	Timestamp    time.Time   `json:"timestamp"`
	DispatchedAt *time.Time  `json:"dispatchedAt,omitempty"`
}

// Draft is an alert as submitted. Coordinates are pointers so a missing
// value can be told apart from zero.
type Draft struct {
	Title     string    `json:"title" validate:"required,notblank"`
	Type      AlertType `json:"type" validate:"required,oneof=Emergency Warning Advisory"`
	Message   string    `json:"message" validate:"required,notblank"`
	Latitude  *float64  `json:"latitude" validate:"required,latitude"`
	Longitude *float64  `json:"longitude" validate:"required,longitude"`
	RadiusM   *float64  `json:"radius" validate:"required,gt=0,finite"`
}

// FieldError describes one rejected field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every problem found in a Draft.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Reason
	}
	return "invalid alert: " + strings.Join(parts, "; ")
}

// Validate returns a *ValidationError or nil.
func (d Draft) Validate() error {
	err := validatorInstance().Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate alert: %w", err)
	}
	fields := make([]FieldError, len(verrs))
	for i, fe := range verrs {
		fields[i] = FieldError{Field: fe.Field(), Reason: fieldReason(fe)}
	}
	return &ValidationError{Fields: fields}
}

type Repository interface {
	Create(ctx context.Context, alert Alert) (Alert, error)
	Get(ctx context.Context, id uuid.UUID) (Alert, error)
	List(ctx context.Context) ([]Alert, error)
	// Pending returns up to limit undispatched alerts, oldest first.
	Pending(ctx context.Context, limit int) ([]Alert, error)
	MarkDispatched(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Notifier is told about every created alert.
type Notifier interface {
	AlertCreated(alert Alert)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Alert)

func (f NotifierFunc) AlertCreated(alert Alert) { f(alert) }
