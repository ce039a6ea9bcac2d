package session

import (
	"fmt"
	"regexp"
)

// A session name doubles as a directory name under the state dir, so the
// accepted alphabet is deliberately narrow.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot safely become a session directory.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("session name %q: use 1-64 lowercase letters, digits, '-' or '_'", name)
	}
	return nil
}
