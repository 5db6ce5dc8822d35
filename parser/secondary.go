package parser

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jmorneau/go-scrape-autotrader/models"
)

// supplementMarker names the client-side view-model variable whose inline
// assignment carries the supplementary listing data.
const supplementMarker = "ngVdpModel"

// ExtractSupplement parses the view-model JSON blob embedded in a detail
// page's inline scripts. A page without the marker, or with a payload that
// cannot be isolated or decoded, yields nil: absence of supplementary data
// is a legitimate state, never an error.
func ExtractSupplement(page *goquery.Selection) models.Record {
	var script string
	page.Find("script").EachWithBreak(func(_ int, block *goquery.Selection) bool {
		text := block.Text()
		if strings.Contains(text, supplementMarker) {
			script = text
			return false
		}
		return true
	})
	if script == "" {
		return nil
	}

	raw, ok := assignedObject(script, supplementMarker)
	if !ok {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}

	return models.Record{
		"highlight_items":             digList(payload, "highlights", "items"),
		"feature_highlights":          digList(payload, "featureHighlights"),
		"feature_options":             digList(payload, "featureHighlights"),
		"trim":                        dig(payload, "hero", "trim"),
		"location":                    dig(payload, "hero", "location"),
		"vehicle_age":                 dig(payload, "hero", "vehicleAge"),
		"stock_number":                dig(payload, "hero", "stockNumber"),
		"dealer_name":                 dig(payload, "ngIcoModel", "dealerName"),
		"mileage_analysis":            dig(payload, "conditionAnalysis", "odometerCondition"),
		"fuel_economy_city":           dig(payload, "fuelEconomy", "fuelCity"),
		"fuel_economy_highway":        dig(payload, "fuelEconomy", "fuelHighway"),
		"fuel_economy_combined":       dig(payload, "fuelEconomy", "fuelCombined"),
		"fuel_cost_cents_per_litre":   dig(payload, "fuelEconomy", "fuelCost"),
		"specs":                       dig(payload, "specifications"),
		"description":                 dig(payload, "description", "description"),
		"price_analysis":              dig(payload, "priceAnalysis", "priceAnalysisDescription"),
		"price_analysis_market_price": dig(payload, "priceAnalysis", "priceAnalysisMarketPrice"),
		"price_analysis_evaluation":   dig(payload, "priceAnalysis", "priceEvaluation"),
	}
}

// assignedObject isolates the object literal assigned to the named variable
// within a script body. A balanced-brace scan (string- and escape-aware)
// tolerates nested braces inside string values, which a non-greedy regex
// would truncate.
func assignedObject(script, name string) (string, bool) {
	marker := strings.Index(script, name)
	if marker < 0 {
		return "", false
	}
	assign := strings.IndexByte(script[marker:], '=')
	if assign < 0 {
		return "", false
	}
	return scanObject(script, marker+assign)
}

// scanObject returns the brace-balanced object literal beginning at the
// first '{' at or after start.
func scanObject(s string, start int) (string, bool) {
	open := strings.IndexByte(s[start:], '{')
	if open < 0 {
		return "", false
	}
	open += start

	depth := 0
	inString := false
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case quote:
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = true
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[open : i+1], true
			}
		}
	}
	return "", false
}
