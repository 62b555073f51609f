package shop

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Decimals are compared as numbers by gt/gte tags.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// Report json names so messages match the request body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks struct tags on s and returns every failure joined.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, &ValidationError{Field: fe.Field(), Message: tagMessage(fe)})
	}
	return errors.Join(out...)
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		if fe.Param() == "0" {
			return "must be positive"
		}
		return "must be greater than " + fe.Param()
	case "gte":
		if fe.Param() == "0" {
			return "must not be negative"
		}
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "email":
		return "must be a valid email address"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

// ValidateSubmission checks a job-sheet submission without touching storage.
func ValidateSubmission(s *JobSheetSubmission) error {
	if s == nil {
		return Invalid("", "submission is required")
	}
	s.PartyName = strings.TrimSpace(s.PartyName)
	s.Description = strings.TrimSpace(s.Description)
	s.Size = strings.TrimSpace(s.Size)

	var errs []error
	if err := Validate(s); err != nil {
		errs = append(errs, err)
	}
	if s.UsedFromInventory {
		if s.InventoryItemID == nil {
			errs = append(errs, Invalid("inventory_item_id", "is required when used_from_inventory is set"))
		}
		if s.PaperSheet <= 0 {
			errs = append(errs, Invalid("paper_sheet", "must be positive when used_from_inventory is set"))
		}
	}
	if s.AssignToMachine && s.MachineID == nil {
		errs = append(errs, Invalid("machine_id", "is required when assign_to_machine is set"))
	}
	return errors.Join(errs...)
}
