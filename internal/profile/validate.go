package profile

import (
	"fmt"
	"regexp"
)

var (
	nameRegexp     = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	usernameRegexp = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
)

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// ValidateUsername applies the chat server's username rule.
func ValidateUsername(name string) error {
	if !usernameRegexp.MatchString(name) {
		return fmt.Errorf("invalid username %q: want 3-20 letters, digits or underscores", name)
	}
	return nil
}
