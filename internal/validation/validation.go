// Package validation provides identifier validation for spectra.
//
// Station ids become directory names in the aggregate archive and keys in
// the aggregate table, so they are restricted to a path-safe alphabet.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// NameRules defines the validation rules for identifiers.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowColons  bool
}

// StationIDRules returns the rules for station ids.
func StationIDRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// DeviceIDRules returns the rules for device ids. Serial numbers and MAC
// style ids are accepted.
func DeviceIDRules() NameRules {
	return NameRules{
		MinLength:    0,
		MaxLength:    128,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowColons:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ':':
		return rules.AllowColons
	}
	return false
}

// ValidateStationID validates a station id.
func ValidateStationID(id string) error {
	if err := ValidateName(id, StationIDRules()); err != nil {
		return fmt.Errorf("station id %q: %w", id, err)
	}
	return nil
}

// ValidateDeviceID validates a device id. The empty id is allowed.
func ValidateDeviceID(id string) error {
	if err := ValidateName(id, DeviceIDRules()); err != nil {
		return fmt.Errorf("device id %q: %w", id, err)
	}
	return nil
}
