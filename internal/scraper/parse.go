// Package scraper fetches shopping search results through headless browser
// pages and turns raw listing text into products.
package scraper

import (
	"strings"

	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// rawListing is one listing card as extracted in the page: the card's visible
// inner text and the inline thumbnail source, if any.
type rawListing struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

// Promotional badges rendered as the first text line of a card. They shift
// the name/price/seller lines down by one.
var specialOfferLabels = map[string]struct{}{
	"세일":    {},
	"가격 인하": {},
}

// parseListing maps a raw card to a product. The card text is line oriented:
// name, then price, then seller, optionally preceded by a promo badge line.
// Cards without all three lines are skipped.
func parseListing(raw rawListing) (recsys.Product, bool) {
	var lines []string
	for _, ln := range strings.Split(raw.Text, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}
	offset := 0
	if len(lines) > 0 {
		if _, ok := specialOfferLabels[lines[0]]; ok {
			offset = 1
		}
	}
	if len(lines) < offset+3 {
		return recsys.Product{}, false
	}

	image := "No Image"
	if strings.Contains(raw.Image, "data:image") {
		image = raw.Image
	}
	return recsys.Product{
		Name:   lines[offset],
		Price:  lines[offset+1],
		Seller: lines[offset+2],
		Image:  image,
	}, true
}

// parseListings converts every parseable card, preserving page order.
func parseListings(raws []rawListing) []recsys.Product {
	products := make([]recsys.Product, 0, len(raws))
	for _, raw := range raws {
		if p, ok := parseListing(raw); ok {
			products = append(products, p)
		}
	}
	return products
}
