package profile

import "fmt"

const maxNameLen = 64

// ValidateName accepts 1-64 characters from [a-z0-9_-]. A leading hyphen
// is refused so a name can never be mistaken for a flag.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("profile name %q is longer than %d characters", name, maxNameLen)
	}
	if name[0] == '-' {
		return fmt.Errorf("profile name %q starts with a hyphen", name)
	}
	for i := 0; i < len(name); i++ {
		switch c := name[i]; {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("profile name %q: %q not allowed, use [a-z0-9_-]", name, c)
		}
	}
	return nil
}
