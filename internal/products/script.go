package products

import (
	"fmt"
	"strings"
)

// Script returns the narration parts of a product video in speaking order.
// Each part becomes one captioned scene.
func Script(p Product, outro string) []string {
	var parts []string
	if p.Title != "" {
		parts = append(parts, "Check out this amazing product: "+p.Title)
	}
	if p.Brand != "" && p.Brand != notAvailable {
		parts = append(parts, "Brand: "+p.Brand)
	}

	var price []string
	if available(p.Price) {
		price = append(price, strings.TrimSpace(fmt.Sprintf("Current price: %s %s", p.Price, p.Currency)))
	}
	if available(p.OriginalPrice) {
		price = append(price, strings.TrimSpace(fmt.Sprintf("Original price: %s %s", p.OriginalPrice, p.Currency)))
	}
	if available(p.Discount) {
		price = append(price, fmt.Sprintf("Discount: %s%% off", strings.TrimSuffix(p.Discount, "%")))
	}
	if len(price) > 0 {
		parts = append(parts, strings.Join(price, ". "))
	}

	if available(p.Description) {
		for _, sentence := range strings.Split(p.Description, ".") {
			sentence = strings.TrimSpace(sentence)
			if sentence == "" || strings.HasPrefix(strings.ToLower(sentence), "not available") {
				continue
			}
			parts = append(parts, sentence)
		}
	}
	if o := strings.TrimSpace(outro); o != "" {
		parts = append(parts, o)
	}
	return parts
}

// Narration joins script parts into the text sent to speech synthesis.
func Narration(parts []string) string {
	return strings.Join(parts, " \n\n ")
}

func available(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != notAvailable
}
