package parser

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"github.com/jmorneau/go-scrape-autotrader/models"
)

const structuredDataSelector = `script[type="application/ld+json"]`

// ErrMissingStructuredData reports a detail page without the expected
// vehicle structured-data block.
var ErrMissingStructuredData = errors.New("no vehicle structured-data block")

// vehicleTypes are the schema.org @type values that identify the block
// carrying the vehicle offer.
var vehicleTypes = map[string]bool{
	"Car":     true,
	"Vehicle": true,
}

// ExtractListing parses the vehicle structured-data block on a detail page
// into a base record. The block is selected by its declared @type; when no
// block declares a vehicle type the site's layout puts the vehicle payload
// second, so the second block is used as a fallback. Every field lookup is
// null-safe: a missing parent or leaf yields a nil value, never an error.
func ExtractListing(page *goquery.Selection) (models.Record, error) {
	payload, err := vehiclePayload(page)
	if err != nil {
		return nil, err
	}

	return models.Record{
		"url":                   dig(payload, "url"),
		"name":                  dig(payload, "name"),
		"make":                  dig(payload, "brand", "name"),
		"model":                 dig(payload, "model"),
		"year":                  dig(payload, "vehicleModelDate"),
		"color":                 dig(payload, "color"),
		"mileage":               dig(payload, "mileageFromOdometer", "value"),
		"mileage_unit":          dig(payload, "mileageFromOdometer", "unitCode"),
		"price":                 dig(payload, "offers", "price"),
		"price_currency":        dig(payload, "offers", "priceCurrency"),
		"availability":          dig(payload, "offers", "availability"),
		"engine_type":           dig(payload, "vehicleEngine", "engineType"),
		"fuel_type":             dig(payload, "vehicleEngine", "fuelType"),
		"transmission":          dig(payload, "vehicleTransmission"),
		"vehicle_configuration": dig(payload, "vehicleConfiguration"),
	}, nil
}

// vehiclePayload decodes the structured-data blocks and picks the one that
// declares a vehicle @type. Blocks that fail to decode are skipped during
// type matching. The positional fallback mirrors the site's real layout
// (vehicle payload second, after the breadcrumb block).
func vehiclePayload(page *goquery.Selection) (map[string]any, error) {
	blocks := page.Find(structuredDataSelector)

	var decoded []map[string]any
	blocks.Each(func(_ int, block *goquery.Selection) {
		var payload map[string]any
		if err := json.Unmarshal([]byte(block.Text()), &payload); err != nil {
			decoded = append(decoded, nil)
			return
		}
		decoded = append(decoded, payload)
	})

	for _, payload := range decoded {
		if payload == nil {
			continue
		}
		if typ, _ := payload["@type"].(string); vehicleTypes[typ] {
			return payload, nil
		}
	}

	if len(decoded) < 2 {
		return nil, fmt.Errorf("%w (found %d of 2 expected blocks)", ErrMissingStructuredData, len(decoded))
	}
	if decoded[1] == nil {
		return nil, fmt.Errorf("%w (second block is not valid JSON)", ErrMissingStructuredData)
	}
	return decoded[1], nil
}
