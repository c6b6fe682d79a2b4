package extractor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/catalog-scraper/internal/models"
)

var (
	productTypeMarker = regexp.MustCompile(`"@type"\s*:\s*(\[[^\]]*)?"(https?://schema\.org/)?Product"`)
	domainKeywords    = []string{
		"cannabis", "strain", "seed", "thc", "cbd", "indica", "sativa",
		"autoflower", "feminized", "feminised", "marijuana", "hemp",
	}
)

type ldBlock struct {
	raw       string
	preferred bool
}

// structuredBlocks returns the page's JSON-LD blocks that mention a Product
// type, domain-relevant blocks first and document order otherwise.
func structuredBlocks(doc *goquery.Document) []ldBlock {
	var preferred, generic []ldBlock
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" || !productTypeMarker.MatchString(raw) {
			return
		}
		lower := strings.ToLower(raw)
		for _, kw := range domainKeywords {
			if strings.Contains(lower, kw) {
				preferred = append(preferred, ldBlock{raw: raw, preferred: true})
				return
			}
		}
		generic = append(generic, ldBlock{raw: raw})
	})
	return append(preferred, generic...)
}

// productNodes decodes one block and returns every Product-typed object in it.
// Valid JSON without a Product entry yields no nodes and no error.
func productNodes(raw string) ([]map[string]any, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse json-ld block: %w", err)
	}
	var out []map[string]any
	collectProducts(doc, &out, 0)
	return out, nil
}

func collectProducts(v any, out *[]map[string]any, depth int) {
	if depth > 4 {
		return
	}
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			collectProducts(item, out, depth+1)
		}
	case map[string]any:
		if isProductType(node["@type"]) {
			*out = append(*out, node)
			return
		}
		if graph, ok := node["@graph"]; ok {
			collectProducts(graph, out, depth+1)
		}
		if entity, ok := node["mainEntity"]; ok {
			collectProducts(entity, out, depth+1)
		}
	}
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(v, "https://schema.org/"), "http://schema.org/"), "Product")
	case []any:
		for _, item := range v {
			if isProductType(item) {
				return true
			}
		}
	}
	return false
}

// productFromNode maps a schema.org Product object to an ExtractedProduct.
func productFromNode(node map[string]any, sourceURL string) *models.ExtractedProduct {
	p := &models.ExtractedProduct{
		Name:        cleanText(stringValue(node["name"])),
		Description: cleanText(stringValue(node["description"])),
		SKU:         firstNonEmpty(stringValue(node["sku"]), stringValue(node["mpn"]), stringValue(node["productID"])),
		Category:    cleanText(stringValue(node["category"])),
		ImageURL:    resolveURL(sourceURL, imageValue(node["image"])),
		SourceURL:   firstNonEmpty(sourceURL, stringValue(node["url"])),
		Provenance:  models.ProvenanceJSONLD,
	}

	if offer := firstOffer(node["offers"]); offer != nil {
		p.Price = priceValue(firstNonNil(offer["price"], offer["lowPrice"], priceSpec(offer)))
		p.Currency = strings.ToUpper(stringValue(offer["priceCurrency"]))
		p.Availability = availabilityValue(stringValue(offer["availability"]))
	}

	applyAdditionalProperties(&p.Cannabis, node["additionalProperty"])
	return p
}

// firstOffer reduces an offers value (object or array) to its first object.
func firstOffer(v any) map[string]any {
	switch o := v.(type) {
	case map[string]any:
		if inner, ok := o["offers"]; ok && o["price"] == nil && o["lowPrice"] == nil {
			if nested := firstOffer(inner); nested != nil {
				return nested
			}
		}
		return o
	case []any:
		for _, item := range o {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func priceSpec(offer map[string]any) any {
	switch spec := offer["priceSpecification"].(type) {
	case map[string]any:
		return spec["price"]
	case []any:
		if len(spec) > 0 {
			if m, ok := spec[0].(map[string]any); ok {
				return m["price"]
			}
		}
	}
	return nil
}

func priceValue(v any) float64 {
	switch p := v.(type) {
	case float64:
		return p
	case string:
		return ParsePrice(p)
	case json.Number:
		f, _ := p.Float64()
		return f
	}
	return 0
}

func availabilityValue(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func imageValue(v any) string {
	switch img := v.(type) {
	case string:
		return strings.TrimSpace(img)
	case []any:
		for _, item := range img {
			if s := imageValue(item); s != "" {
				return s
			}
		}
	case map[string]any:
		return firstNonEmpty(stringValue(img["url"]), stringValue(img["contentUrl"]))
	}
	return ""
}

// stringValue renders scalars and the first element of arrays as text.
func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case []any:
		parts := make([]string, 0, len(s))
		for _, item := range s {
			if str := stringValue(item); str != "" {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		return stringValue(s["name"])
	}
	return ""
}

type propertyRule struct {
	keywords []string
	field    func(*models.CannabisAttributes) *string
}

// propertyRules is evaluated in order; the first rule whose keyword appears in
// the property name wins.
var propertyRules = []propertyRule{
	{[]string{"thc"}, func(c *models.CannabisAttributes) *string { return &c.THCContent }},
	{[]string{"cbd"}, func(c *models.CannabisAttributes) *string { return &c.CBDContent }},
	{[]string{"flowering type", "seed type", "sex", "feminized", "feminised"}, func(c *models.CannabisAttributes) *string { return &c.SeedType }},
	{[]string{"flowering", "flowering time", "bloom"}, func(c *models.CannabisAttributes) *string { return &c.FloweringTime }},
	{[]string{"yield", "harvest"}, func(c *models.CannabisAttributes) *string { return &c.Yield }},
	{[]string{"genetic", "lineage", "parent", "cross"}, func(c *models.CannabisAttributes) *string { return &c.Genetics }},
	{[]string{"height"}, func(c *models.CannabisAttributes) *string { return &c.Height }},
	{[]string{"effect"}, func(c *models.CannabisAttributes) *string { return &c.Effects }},
	{[]string{"aroma", "smell", "scent"}, func(c *models.CannabisAttributes) *string { return &c.Aroma }},
	{[]string{"flavor", "flavour", "taste"}, func(c *models.CannabisAttributes) *string { return &c.Flavor }},
	{[]string{"strain", "dominance", "variety", "type"}, func(c *models.CannabisAttributes) *string { return &c.StrainType }},
}

func applyAdditionalProperties(c *models.CannabisAttributes, v any) {
	props, ok := v.([]any)
	if !ok {
		if single, isMap := v.(map[string]any); isMap {
			props = []any{single}
		}
	}
	for _, item := range props {
		prop, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := strings.ToLower(stringValue(prop["name"]))
		value := cleanText(stringValue(prop["value"]))
		if name == "" || value == "" {
			continue
		}
		for _, rule := range propertyRules {
			if !containsAnyKeyword(name, rule.keywords) {
				continue
			}
			if dst := rule.field(c); *dst == "" {
				*dst = value
			}
			break
		}
	}
}

func containsAnyKeyword(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
