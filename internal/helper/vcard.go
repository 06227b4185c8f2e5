package helper

import "strings"

type VCardContact struct {
	FullName string `json:"fullName"`
	Org      string `json:"org,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

// BuildVCard renders a vCard 3.0 with a waid so the phone links the number.
func BuildVCard(c VCardContact) string {
	num := nonDigit.ReplaceAllString(c.Phone, "")
	lines := []string{"BEGIN:VCARD", "VERSION:3.0", "FN:" + c.FullName}
	if c.Org != "" {
		lines = append(lines, "ORG:"+c.Org)
	}
	if num != "" {
		lines = append(lines, "TEL;type=CELL;type=VOICE;waid="+num+":"+num)
	}
	if c.Email != "" {
		lines = append(lines, "EMAIL:"+c.Email)
	}
	lines = append(lines, "END:VCARD")
	return strings.Join(lines, "\n")
}
