package validation

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quietmesh/pushbridge/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if strings.Contains(err.Error(), "EOF") {
			return errors.ValidationError("empty_request_body", "Request body is empty")
		}
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	return v.Validate()
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// NonEmpty validates that a string slice has at least one element
func NonEmpty(field string, values []string) error {
	if len(values) == 0 {
		return errors.ValidationError(
			"required_field_missing",
			field+" must not be empty",
		)
	}
	return nil
}
