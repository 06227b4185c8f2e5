package helper

import (
	"fmt"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var nonDigit = regexp.MustCompile(`[^\d]`)

// NormalizeJID turns a phone number or JID into a full JID. Anything that
// already carries a server part is kept; bare numbers become user JIDs.
func NormalizeJID(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return "", fmt.Errorf("invalid jid %q: %w", to, err)
		}
		return jid.String(), nil
	}

	cleaned := nonDigit.ReplaceAllString(to, "")
	if len(cleaned) < 6 || len(cleaned) > 20 {
		return "", fmt.Errorf("invalid phone number %q", to)
	}
	return types.NewJID(cleaned, types.DefaultUserServer).String(), nil
}

// NormalizeJIDs normalizes every entry, dropping the ones that fail.
func NormalizeJIDs(list []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if jid, err := NormalizeJID(v); err == nil {
			out = append(out, jid)
		}
	}
	return out
}

// IsIgnorableJID reports pseudo-recipients that never get webhooks or
// auto-replies: broadcast lists, status updates and newsletters.
func IsIgnorableJID(jid string) bool {
	return jid == "" ||
		strings.HasSuffix(jid, "@newsletter") ||
		strings.HasSuffix(jid, "@broadcast")
}
