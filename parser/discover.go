package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// listingAnchorSelector matches the two anchor classes the site uses to link
// search results to vehicle detail pages.
const listingAnchorSelector = "a.detail-price-area, a.inner-link"

// ListingURLs collects the unique detail-page URLs referenced by a
// search-results page. Relative hrefs are absolutized against base; anchors
// without a usable href contribute nothing. Order follows first occurrence
// in the document, but callers must not rely on it.
func ListingURLs(page *goquery.Selection, base string) []string {
	base = strings.TrimSuffix(base, "/")

	seen := make(map[string]struct{})
	var urls []string
	page.Find(listingAnchorSelector).Each(func(_ int, anchor *goquery.Selection) {
		href, ok := anchor.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
			if !strings.HasPrefix(href, "/") {
				href = "/" + href
			}
			href = base + href
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		urls = append(urls, href)
	})
	return urls
}
