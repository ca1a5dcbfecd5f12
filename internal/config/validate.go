package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/eugenenazirov/restplate/internal/timefmt"
)

// ErrInvalidSettings wraps every validation failure returned by Validate.
var ErrInvalidSettings = errors.New("invalid settings")

// Validate checks field constraints with struct tags and then the cross-field
// rules the tags cannot express.
func (s *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	var problems []string

	if _, _, err := SplitModelRef(s.AuthUserModel); err != nil {
		problems = append(problems, err.Error())
	}

	if s.REST.PageSize > s.REST.MaxPageSize {
		problems = append(problems, fmt.Sprintf("rest page size %d exceeds max page size %d", s.REST.PageSize, s.REST.MaxPageSize))
	}
	if _, err := timefmt.Layout(s.REST.DatetimeFormat); err != nil {
		problems = append(problems, fmt.Sprintf("rest datetime format: %v", err))
	}

	if s.HasApp("authtoken") && !s.HasApp("auth") {
		problems = append(problems, "authtoken requires auth to be installed")
	}

	if err := s.Logging.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(problems, "; "))
}

// SplitModelRef splits an "app.Model" reference.
func SplitModelRef(ref string) (app, model string, err error) {
	parts := strings.Split(ref, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("model reference %q must have the form app.Model", ref)
	}
	return parts[0], parts[1], nil
}

const redactedValue = "********"

// Redacted returns a copy of the settings with secrets masked, suitable for
// printing or exposing to administrators.
func (s Settings) Redacted() Settings {
	out := s
	out.SecretKey = redactedValue
	out.DatabaseURL = redactURL(s.DatabaseURL)
	if out.Push.AuthToken != "" {
		out.Push.AuthToken = redactedValue
	}
	if out.Email.Password != "" {
		out.Email.Password = redactedValue
	}
	return out
}

func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	userinfo := raw[scheme+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return raw
	}
	return raw[:scheme+3] + userinfo[:colon+1] + redactedValue + raw[at:]
}
