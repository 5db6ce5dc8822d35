package scraper

import (
	"strings"
	"testing"
)

func TestSearchQueryURL(t *testing.T) {
	query := SearchQuery{
		Make:       "Toyota",
		Model:      "RAV4",
		PostalCode: "B3M 0L8",
		RadiusKm:   100,
		PageSize:   15,
	}

	got := query.URL("https://www.autotrader.ca")
	want := "https://www.autotrader.ca/cars/?loc=B3M%200L8&make=Toyota&mdl=RAV4&prx=100&rcp=15"
	if got != want {
		t.Fatalf("URL = %q, want %q", got, want)
	}
}

func TestSearchQueryURLShape(t *testing.T) {
	tests := []struct {
		name  string
		query SearchQuery
	}{
		{
			name:  "simple",
			query: SearchQuery{Make: "Honda", Model: "CR-V", PostalCode: "90210", RadiusKm: 50, PageSize: 25},
		},
		{
			name:  "spaces in make and model",
			query: SearchQuery{Make: "Land Rover", Model: "Range Rover Sport", PostalCode: "B3M 0L8", RadiusKm: 250, PageSize: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.query.URL("https://www.autotrader.ca")

			for _, param := range []string{"loc=", "make=", "mdl=", "prx=", "rcp="} {
				if n := strings.Count(got, param); n != 1 {
					t.Errorf("URL %q contains %q %d times, want 1", got, param, n)
				}
			}
			if strings.Contains(got, " ") {
				t.Errorf("URL %q contains a literal space", got)
			}
		})
	}
}

func TestSearchQueryURLTrimsBaseSlash(t *testing.T) {
	query := SearchQuery{Make: "Mazda", Model: "CX-5", PostalCode: "90210", RadiusKm: 100, PageSize: 15}
	got := query.URL("https://www.autotrader.ca/")
	if strings.Contains(got, "ca//cars") {
		t.Fatalf("URL %q has doubled slash", got)
	}
}
