package services

import (
	"fmt"
	"strconv"
	"strings"

	"tramites_app_go/models"
)

// DisplayIDComponents contains the parsed parts of a trámite display id
// Format: {YEAR}-{AGENCY_CODE}-{CONSECUTIVO(4+)}
// Example: 2025-AUTOTROPICAL-0007
type DisplayIDComponents struct {
	Year        int
	AgencyCode  string
	Consecutivo int
}

// BuildDisplayID renders the display id for the given numbering
func BuildDisplayID(year int, agencyCode string, consecutivo int) string {
	return models.FormatDisplayID(year, strings.ToUpper(strings.TrimSpace(agencyCode)), consecutivo)
}

// ParseDisplayID splits a display id into its components. Agency codes may
// contain underscores but never dashes, so the year is everything before the
// first dash and the consecutivo everything after the last one.
func ParseDisplayID(displayID string) (*DisplayIDComponents, error) {
	displayID = strings.ToUpper(strings.TrimSpace(displayID))

	first := strings.Index(displayID, "-")
	last := strings.LastIndex(displayID, "-")
	if first <= 0 || last == first || last == len(displayID)-1 {
		return nil, fmt.Errorf("display id must look like YEAR-AGENCY-NNNN, got %q", displayID)
	}

	year, err := strconv.Atoi(displayID[:first])
	if err != nil || year < 1900 || year > 2100 {
		return nil, fmt.Errorf("invalid year in display id %q", displayID)
	}

	code := displayID[first+1 : last]
	if code == "" {
		return nil, fmt.Errorf("missing agency code in display id %q", displayID)
	}

	consecutivo, err := strconv.Atoi(displayID[last+1:])
	if err != nil || consecutivo <= 0 {
		return nil, fmt.Errorf("invalid consecutivo in display id %q", displayID)
	}

	return &DisplayIDComponents{Year: year, AgencyCode: code, Consecutivo: consecutivo}, nil
}
