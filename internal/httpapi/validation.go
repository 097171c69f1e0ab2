package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"fusion_gateway/internal/utils"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads a JSON body into dst and validates it. On failure it
// has already written a 400 and returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := utils.DecodeJSONBody(w, r, dst, utils.DefaultMaxBodyBytes); err != nil {
		if errors.Is(err, utils.ErrEmptyBody) {
			utils.RespondWithError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage reports the first failing field by its JSON name
func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return "Invalid request"
	}

	fe := errs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field %q is required", field)
	case "max":
		return fmt.Sprintf("Field %q must be at most %s long", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("Field %q must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("Field %q failed the %q rule", field, fe.Tag())
	}
}
