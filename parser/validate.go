package parser

import (
	"fmt"
	"strings"

	"github.com/jmorneau/go-scrape-autotrader/models"
)

// ValidateRecord ensures a record is usable downstream. The listing URL is
// the dedup key, so it is the one field that must be present and non-empty;
// every other field may legitimately be nil.
func ValidateRecord(r models.Record) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.URL()) == "" {
		return fmt.Errorf("record missing listing url")
	}
	return nil
}
