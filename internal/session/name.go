package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/dmsync/internal/config"
)

// DefaultName is used when neither a flag nor the config names a session.
const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName rejects names that are unsafe as directory names.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 lowercase letters, digits, '-' or '_', starting with a letter or digit", name)
	}
	return nil
}

// Resolve picks the session name: the --session flag, then the config's
// default_session, then DefaultName.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultName
}
