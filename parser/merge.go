package parser

import "github.com/jmorneau/go-scrape-autotrader/models"

// Merge layers the supplementary record on top of the base record: new keys
// are added, colliding keys take the supplement's value. Neither input is
// mutated; a nil supplement yields a copy of base.
func Merge(base, supplement models.Record) models.Record {
	merged := base.Clone()
	for key, value := range supplement {
		merged[key] = value
	}
	return merged
}
