package domain

import (
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validatorInstance returns the shared validator. Field names in errors are
// the JSON names.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		_ = validate.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
			v := fl.Field().Float()
			return !math.IsNaN(v) && !math.IsInf(v, 0)
		})
	})
	return validate
}

func fieldReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "is required"
	case "oneof":
		return "must be one of " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "latitude":
		return "must be within [-90, 90]"
	case "longitude":
		return "must be within [-180, 180]"
	case "gt", "finite":
		return "must be a positive number of metres"
	default:
		return "failed " + fe.Tag()
	}
}
