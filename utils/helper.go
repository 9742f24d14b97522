package utils

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

// CountryCode is the default region used to parse local phone numbers.
var CountryCode = countryCodeFromEnv()

var validate = validator.New()

func countryCodeFromEnv() string {
	if v := strings.ToUpper(strings.TrimSpace(os.Getenv("COLLECTIONS_PHONE_REGION"))); v != "" {
		return v
	}
	return "MM"
}

// GetValidator exposes the shared validator instance.
func GetValidator() *validator.Validate {
	return validate
}

func IsValidEmail(email string) bool {
	return validate.Var(email, "required,email") == nil
}

func ValidatePhoneNumber(phoneNumber, countryCode string) error {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return err
	}
	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}
	return nil
}

// ProcessValidationErrors flattens validator errors into field -> tag.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		errorResponse["error"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}
