package service

import "strings"

// RewriteSetCookie makes an upstream cookie usable behind an HTTPS front
// door: SameSite=None is appended when no SameSite attribute is present and
// Secure when no Secure attribute is present. Every other attribute,
// including Path, is left as sent.
func RewriteSetCookie(v string) string {
	var hasSameSite, hasSecure bool

	// The first segment is the name=value pair; only attributes count.
	parts := strings.Split(v, ";")
	for _, attr := range parts[1:] {
		name, _, _ := strings.Cut(attr, "=")
		name = strings.TrimSpace(name)
		switch {
		case strings.EqualFold(name, "SameSite"):
			hasSameSite = true
		case strings.EqualFold(name, "Secure"):
			hasSecure = true
		}
	}

	if hasSameSite && hasSecure {
		return v
	}

	out := strings.TrimRight(v, "; \t")
	if !hasSameSite {
		out += "; SameSite=None"
	}
	if !hasSecure {
		out += "; Secure"
	}
	return out
}
