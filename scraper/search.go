package scraper

import (
	"strconv"
	"strings"
)

// SearchQuery describes one results-page request. Immutable once built; it
// produces exactly one URL.
type SearchQuery struct {
	Make       string
	Model      string
	PostalCode string
	RadiusKm   int
	PageSize   int
}

// URL renders the search URL against base. Spaces are percent-encoded;
// other characters pass through unescaped, which matches what the site
// accepts. Malformed inputs surface downstream as fetch errors, not here.
func (q SearchQuery) URL(base string) string {
	params := strings.Join([]string{
		"loc=" + q.PostalCode,
		"make=" + q.Make,
		"mdl=" + q.Model,
		"prx=" + strconv.Itoa(q.RadiusKm),
		"rcp=" + strconv.Itoa(q.PageSize),
	}, "&")
	return strings.TrimSuffix(base, "/") + "/cars/?" + strings.ReplaceAll(params, " ", "%20")
}
