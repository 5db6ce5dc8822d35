// Package models defines data structures for the scraper.
package models

import "time"

// Record holds the extracted attributes for one vehicle listing. Keys follow
// the site's payload naming; values carry whatever the page JSON held
// (string, float64, nested slices/maps) or nil when a field was absent.
//
// A record always contains every key in PrimaryFields. Supplement keys are
// present only when the listing page carried the view-model payload.
type Record map[string]any

// PrimaryFields lists the structured-data fields in output column order.
var PrimaryFields = []string{
	"url",
	"name",
	"make",
	"model",
	"year",
	"color",
	"mileage",
	"mileage_unit",
	"price",
	"price_currency",
	"availability",
	"engine_type",
	"fuel_type",
	"transmission",
	"vehicle_configuration",
}

// SupplementFields lists the view-model fields in output column order.
var SupplementFields = []string{
	"highlight_items",
	"feature_highlights",
	"feature_options",
	"trim",
	"location",
	"vehicle_age",
	"stock_number",
	"dealer_name",
	"mileage_analysis",
	"fuel_economy_city",
	"fuel_economy_highway",
	"fuel_economy_combined",
	"fuel_cost_cents_per_litre",
	"specs",
	"description",
	"price_analysis",
	"price_analysis_market_price",
	"price_analysis_evaluation",
}

// FieldOrder returns the canonical column order: primary fields followed by
// supplement fields.
func FieldOrder() []string {
	out := make([]string, 0, len(PrimaryFields)+len(SupplementFields))
	out = append(out, PrimaryFields...)
	out = append(out, SupplementFields...)
	return out
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// URL returns the record's listing URL, or "" when unset.
func (r Record) URL() string {
	s, _ := r["url"].(string)
	return s
}

// Pair is one make/model combination driving one search-and-extract run.
type Pair struct {
	Make  string
	Model string
}

func (p Pair) String() string {
	return p.Make + " " + p.Model
}

// RunResult holds the overall outcome of one pair's run. Records is filled
// in by the caller once the output pipeline has drained; every other field
// is set by the scraper.
type RunResult struct {
	Pair            Pair
	Records         int
	DiscoveredURLs  int
	RequestCount    int
	ErrorCount      int
	ExtractFailures int
	FailedURLs      []string
	ErrorsByType    map[string]int
	RetryCount      int
	StartTime       time.Time
	EndTime         time.Time
}
