package tools

import (
	"errors"
	"strings"

	"github.com/modfin/henry/slicez"
)

func DomainOfEmail(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return "", errors.New("no domain was present in email address")
	}
	return slicez.Nth(parts, -1), nil
}

// NormalizeDomain lowercases and strips any trailing dot so that names
// from the provider, the dns host and user input compare equal.
func NormalizeDomain(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
