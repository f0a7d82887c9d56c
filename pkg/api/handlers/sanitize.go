package handlers

import (
	"fmt"
	"strings"
)

const maxSanitizedNameBytes = 128

// sanitizeFileName strips any character outside [A-Za-z0-9._-], strips
// leading '.' characters (using "file" when nothing is left), truncates
// to 128 bytes, and prefixes the batch ordinal. A name starting with '.'
// is cleaned, not rejected. It is applied at upload time only; downloads
// match the requested name against the task's stored output refs
// (resolveStoredName) and do not call it.
func sanitizeFileName(ordinal int, name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	clean := b.String()
	for strings.HasPrefix(clean, ".") {
		clean = clean[1:]
	}
	if clean == "" {
		clean = "file"
	}
	if len(clean) > maxSanitizedNameBytes {
		clean = clean[:maxSanitizedNameBytes]
	}
	return fmt.Sprintf("%d-%s", ordinal, clean)
}
