package extractor

import (
	"strconv"
	"strings"

	"github.com/maltedev/catalog-scraper/internal/models"
)

// ParsePrice strips everything but digits and separators from s and parses
// the remainder. Both "1,234.56" and "1.234,56" are understood. It returns 0
// when no number can be read.
func ParsePrice(s string) float64 {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	num := strings.Trim(b.String(), ".,")
	if num == "" {
		return 0
	}

	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastComma >= 0:
		// a single comma with one or two trailing digits is a decimal separator
		if decimals := len(num) - lastComma - 1; strings.Count(num, ",") == 1 && decimals <= 2 {
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case strings.Count(num, ".") > 1:
		num = strings.ReplaceAll(num, ".", "")
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	return v
}

// currencySymbols is checked in order; longer prefixes come first.
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"CA$", "CAD"},
	{"C$", "CAD"},
	{"A$", "AUD"},
	{"AU$", "AUD"},
	{"NZ$", "NZD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"CHF", "CHF"},
	{"$", "USD"},
}

// DetectCurrency guesses an ISO code from the symbols in a price text.
func DetectCurrency(priceText string) string {
	upper := strings.ToUpper(priceText)
	for _, code := range []string{"USD", "EUR", "GBP", "CAD", "AUD", "NZD", "CHF"} {
		if strings.Contains(upper, code) {
			return code
		}
	}
	for _, c := range currencySymbols {
		if strings.Contains(priceText, c.symbol) {
			return c.code
		}
	}
	return models.DefaultCurrency
}
