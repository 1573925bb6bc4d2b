package schema

import (
	"strings"
	"unicode"
)

// ValidateCellName ensures a cell name is made of letters and digits only and
// contains at least one letter. No normalization is applied.
func ValidateCellName(name CellName) error {
	raw := string(name)
	if raw == "" {
		return ErrInvalidCellName
	}
	letters := 0
	for _, r := range raw {
		if unicode.IsLetter(r) {
			letters++
			continue
		}
		if unicode.IsDigit(r) {
			continue
		}
		return ErrInvalidCellName
	}
	if letters == 0 {
		return ErrInvalidCellName
	}
	return nil
}

// NormalizeKernelName trims a kernelspec name; an empty result means "use the default".
func NormalizeKernelName(name string) string {
	return strings.TrimSpace(name)
}
