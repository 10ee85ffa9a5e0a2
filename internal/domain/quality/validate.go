package quality

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("measure_type", func(fl validator.FieldLevel) bool {
		return MeasureType(fl.Field().String()).Valid()
	})
	validate.RegisterValidation("measure_domain", func(fl validator.FieldLevel) bool {
		return MeasureDomain(fl.Field().String()).Valid()
	})
	validate.RegisterValidation("measure_direction", func(fl validator.FieldLevel) bool {
		return MeasureDirection(fl.Field().String()).Valid()
	})
	validate.RegisterValidation("star_program", func(fl validator.FieldLevel) bool {
		return StarProgram(fl.Field().String()).Valid()
	})
}

// validateStruct runs struct tag validation and folds failures into a single
// ErrInvalidInput.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidInput("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return invalidInput("%s", strings.Join(msgs, "; "))
}
