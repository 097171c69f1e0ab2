package utils

import "strings"

// NonEmptyStringPtr returns nil for blank strings so optional text columns stay NULL
func NonEmptyStringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
