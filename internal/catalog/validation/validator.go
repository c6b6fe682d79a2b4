// Package validation scores extracted products for completeness and
// plausibility and compares competing extractions of the same page.
package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/catalog-scraper/internal/models"
)

const (
	MinNameLength     = 3
	MinPlausiblePrice = 1.0
	MaxPlausiblePrice = 10000.0
	// MaxCannabinoidSum is the highest plausible THC+CBD percentage.
	MaxCannabinoidSum = 40.0

	errorPenalty   = 20
	warningPenalty = 5
	mergeWindow    = 10
)

// Result is the outcome of validating one product.
type Result struct {
	IsValid     bool     `json:"is_valid"`
	Score       int      `json:"score"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

var (
	knownCurrencies = map[string]bool{
		"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true,
		"CHF": true, "NZD": true, "SEK": true, "DKK": true, "NOK": true,
	}
	strainVocabulary = []string{"indica", "sativa", "hybrid", "ruderalis"}
	seedVocabulary   = []string{"feminized", "feminised", "autoflower", "auto-flower", "auto", "regular", "fast", "cbd"}

	cannabinoidPattern = regexp.MustCompile(`^\s*[<>~]?\s*\d+(\.\d+)?\s*(-\s*\d+(\.\d+)?)?\s*%?\s*$`)
	floweringPattern   = regexp.MustCompile(`(?i)^\s*\d+\s*(-\s*\d+)?\s*(days?|weeks?|wks?)\b`)
	numberPattern      = regexp.MustCompile(`\d+(\.\d+)?`)
)

// Validate checks required fields, plausibility and internal consistency.
func Validate(p *models.ExtractedProduct) *Result {
	r := &Result{}
	if p == nil {
		r.Errors = append(r.Errors, "product is missing")
		return r
	}

	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		r.Errors = append(r.Errors, "name is required")
	case len([]rune(name)) < MinNameLength:
		r.Errors = append(r.Errors, fmt.Sprintf("name shorter than %d characters", MinNameLength))
	}

	priceOK := false
	switch {
	case math.IsNaN(p.Price) || math.IsInf(p.Price, 0):
		r.Errors = append(r.Errors, "price is not numeric")
	case p.Price == 0:
		r.Errors = append(r.Errors, "price is required")
	case p.Price < 0:
		r.Errors = append(r.Errors, "price must be positive")
	default:
		priceOK = true
	}

	if strings.TrimSpace(p.SourceURL) == "" {
		r.Errors = append(r.Errors, "source url is required")
	} else if !validURL(p.SourceURL) {
		r.Errors = append(r.Errors, "source url is malformed")
	}

	if priceOK && (p.Price < MinPlausiblePrice || p.Price > MaxPlausiblePrice) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("price %.2f outside plausible range", p.Price))
	}
	if p.Currency != "" && !knownCurrencies[strings.ToUpper(p.Currency)] {
		r.Warnings = append(r.Warnings, fmt.Sprintf("unrecognized currency %q", p.Currency))
	}

	c := p.Cannabis
	if c.StrainType != "" && !containsVocabulary(c.StrainType, strainVocabulary) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("unrecognized strain type %q", c.StrainType))
	}
	if c.SeedType != "" && !containsVocabulary(c.SeedType, seedVocabulary) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("unrecognized seed type %q", c.SeedType))
	}
	if c.THCContent != "" && !cannabinoidPattern.MatchString(c.THCContent) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("malformed THC content %q", c.THCContent))
	}
	if c.CBDContent != "" && !cannabinoidPattern.MatchString(c.CBDContent) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("malformed CBD content %q", c.CBDContent))
	}
	if c.FloweringTime != "" && !floweringPattern.MatchString(c.FloweringTime) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("malformed flowering time %q", c.FloweringTime))
	}

	if priceOK && p.IsUnavailable() {
		r.Warnings = append(r.Warnings, "price present but product marked unavailable")
	}
	if isAutoflower(c.SeedType) && c.FloweringTime != "" {
		r.Warnings = append(r.Warnings, "autoflower seed type paired with a flowering time")
	}
	if sum := upperBound(c.THCContent) + upperBound(c.CBDContent); sum > MaxCannabinoidSum {
		r.Warnings = append(r.Warnings, fmt.Sprintf("THC+CBD of %.1f%% is implausibly high", sum))
	}

	r.Suggestions = suggestions(p)
	r.IsValid = len(r.Errors) == 0

	adjusted := 100 - errorPenalty*len(r.Errors) - warningPenalty*len(r.Warnings)
	r.Score = max(0, min(adjusted, Completeness(p)))
	return r
}

// Method is the recommended extraction strategy for a page.
type Method string

const (
	MethodJSONLD  Method = "json-ld"
	MethodManual  Method = "manual"
	MethodMerge   Method = "merge"
	MethodNeither Method = "neither"
)

// Comparison explains a method recommendation.
type Comparison struct {
	Recommendation Method  `json:"recommendation"`
	JSONLD         *Result `json:"json_ld,omitempty"`
	Manual         *Result `json:"manual,omitempty"`
}

// CompareMethods recommends which extraction to trust. Invalid candidates count as absent.
func CompareMethods(jsonld, manual *models.ExtractedProduct) *Comparison {
	cmp := &Comparison{Recommendation: MethodNeither}
	if jsonld != nil {
		cmp.JSONLD = Validate(jsonld)
	}
	if manual != nil {
		cmp.Manual = Validate(manual)
	}

	jOK := cmp.JSONLD != nil && cmp.JSONLD.IsValid
	mOK := cmp.Manual != nil && cmp.Manual.IsValid

	switch {
	case jOK && mOK:
		diff := cmp.JSONLD.Score - cmp.Manual.Score
		switch {
		case diff >= -mergeWindow && diff <= mergeWindow:
			cmp.Recommendation = MethodMerge
		case diff > 0:
			cmp.Recommendation = MethodJSONLD
		default:
			cmp.Recommendation = MethodManual
		}
	case jOK:
		cmp.Recommendation = MethodJSONLD
	case mOK:
		cmp.Recommendation = MethodManual
	}
	return cmp
}

func validURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func containsVocabulary(value string, vocabulary []string) bool {
	v := strings.ToLower(value)
	for _, word := range vocabulary {
		if strings.Contains(v, word) {
			return true
		}
	}
	return false
}

func isAutoflower(seedType string) bool {
	s := strings.ToLower(strings.ReplaceAll(seedType, "-", ""))
	return strings.Contains(s, "autoflower") || strings.HasPrefix(s, "auto")
}

// upperBound returns the largest number in a cannabinoid text such as "18-22%".
func upperBound(text string) float64 {
	var hi float64
	for _, m := range numberPattern.FindAllString(text, -1) {
		if v, err := strconv.ParseFloat(m, 64); err == nil && v > hi {
			hi = v
		}
	}
	return hi
}

func suggestions(p *models.ExtractedProduct) []string {
	var out []string
	for _, f := range fieldWeights {
		if f.category == categoryCore || f.present(p) {
			continue
		}
		out = append(out, fmt.Sprintf("configure a selector for %s", f.name))
	}
	return out
}
