package config

import (
	"fmt"
	"strings"
)

// Flag is a boolean read from the environment. It accepts the spellings
// true/yes/y/on/1 and false/no/n/off/0 (or empty), case-insensitively.
type Flag bool

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Flag) UnmarshalText(text []byte) error {
	value, err := ParseBool(string(text))
	if err != nil {
		return err
	}
	*f = Flag(value)
	return nil
}

// value reports the flag, treating a variable that is present but empty as
// false.
func (f *Flag) value(vars map[string]string, key string) (bool, bool) {
	if f != nil {
		return bool(*f), true
	}
	if _, set := vars[key]; set {
		return false, true
	}
	return false, false
}

// ParseBool parses the boolean spellings accepted by Flag.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "y", "on", "1":
		return true, nil
	case "false", "no", "n", "off", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("cannot interpret %q as a boolean", raw)
	}
}

const (
	envDebug       = "DJANGO_DEBUG"
	envAppendSlash = "DJANGO_APPEND_SLASH"
)

// envSettings lists the values resolved from the process environment. Prefixed
// names use the DJANGO_ prefix; connection strings and service tokens are read
// without a prefix so they match what hosting platforms inject.
type envSettings struct {
	Debug          *Flag   `env:"DJANGO_DEBUG"`
	AppendSlash    *Flag   `env:"DJANGO_APPEND_SLASH"`
	EmailBackend   *string `env:"DJANGO_EMAIL_BACKEND"`
	SecretKey      *string `env:"DJANGO_SECRET_KEY"`
	DatabaseURL    *string `env:"DATABASE_URL"`
	PushAuthToken  *string `env:"ZEROPUSH_AUTH_TOKEN"`
	Port           *string `env:"PORT"`
	BaseDir        *string `env:"BASE_DIR"`
	RateLimitRPS   *string `env:"RATE_LIMIT_RPS"`
	RateLimitBurst *string `env:"RATE_LIMIT_BURST"`
}

// nonEmpty returns the trimmed value of an optional environment string.
func nonEmpty(v *string) (string, bool) {
	if v == nil {
		return "", false
	}
	trimmed := strings.TrimSpace(*v)
	return trimmed, trimmed != ""
}
