package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLen bounds a session name; it becomes a directory and socket name.
const MaxNameLen = 64

var nameChars = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid session name")

// ValidateName checks that name is usable as a directory name and as a
// command-line value.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w %q: longer than %d", ErrInvalidName, name, MaxNameLen)
	case !nameChars.MatchString(name):
		return fmt.Errorf("%w %q: use lowercase letters, digits, '_' and '-'", ErrInvalidName, name)
	case strings.HasPrefix(name, "-"):
		// Would be read back as a flag by wppctl and wppd.
		return fmt.Errorf("%w %q: must not start with '-'", ErrInvalidName, name)
	}
	return nil
}
