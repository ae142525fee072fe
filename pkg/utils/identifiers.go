package utils

import "strings"

// SanitizeIdentifier makes an identifier safe to use as a single path element.
func SanitizeIdentifier(id string) string {
	r := strings.NewReplacer(":", "-", " ", "-", "/", "-", "\\", "-", "..", "-")
	out := r.Replace(strings.TrimSpace(id))
	if out == "" || out == "." {
		return "default"
	}
	return out
}
