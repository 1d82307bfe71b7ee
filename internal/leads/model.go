package leads

import (
	"strings"
	"unicode"
)

// Lead is one company to prospect, as read from the leads sheet.
type Lead struct {
	ID      string `json:"id"`
	Company string `json:"company"`
	Contact string `json:"contact"`
	Segment string `json:"segment"`
	// Row is the 1-based data row the lead came from.
	Row int `json:"row"`
}

// Validate checks the fields a conversation cannot start without.
func (l Lead) Validate() error {
	if strings.TrimSpace(l.Company) == "" {
		return ErrMissingCompany
	}
	if !strings.ContainsFunc(l.Contact, unicode.IsDigit) {
		return ErrMissingContact
	}
	return nil
}
