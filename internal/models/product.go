package models

import (
	"strings"
)

// Provenance tags which extraction strategy produced a product record.
type Provenance string

const (
	ProvenanceJSONLD Provenance = "json-ld"
	ProvenanceManual Provenance = "manual"
)

const DefaultCurrency = "USD"

// ExtractedProduct is the per-page output of the hybrid extractor.
// Only Name and Price are required; everything else is best-effort.
type ExtractedProduct struct {
	Name         string     `json:"name"`
	Price        float64    `json:"price"`
	Currency     string     `json:"currency"`
	ImageURL     string     `json:"image_url,omitempty"`
	Description  string     `json:"description,omitempty"`
	SKU          string     `json:"sku,omitempty"`
	Availability string     `json:"availability,omitempty"`
	SourceURL    string     `json:"source_url"`
	Category     string     `json:"category,omitempty"`
	Provenance   Provenance `json:"provenance"`

	Cannabis CannabisAttributes `json:"cannabis"`
}

// CannabisAttributes holds the domain-specific attribute set of a seed listing.
type CannabisAttributes struct {
	StrainType    string `json:"strain_type,omitempty"`
	SeedType      string `json:"seed_type,omitempty"`
	THCContent    string `json:"thc_content,omitempty"`
	CBDContent    string `json:"cbd_content,omitempty"`
	FloweringTime string `json:"flowering_time,omitempty"`
	Yield         string `json:"yield,omitempty"`
	Genetics      string `json:"genetics,omitempty"`
	Height        string `json:"height,omitempty"`
	Effects       string `json:"effects,omitempty"`
	Aroma         string `json:"aroma,omitempty"`
	Flavor        string `json:"flavor,omitempty"`
}

// IsUnavailable reports whether the availability text marks the product as not purchasable.
func (p *ExtractedProduct) IsUnavailable() bool {
	a := strings.ToLower(strings.ReplaceAll(p.Availability, " ", ""))
	if a == "" {
		return false
	}
	for _, marker := range []string{"outofstock", "soldout", "discontinued", "unavailable"} {
		if strings.Contains(a, marker) {
			return true
		}
	}
	return false
}

// Merge fills every empty field of p from fallback. Values already present on p win.
func (p *ExtractedProduct) Merge(fallback *ExtractedProduct) {
	if fallback == nil {
		return
	}
	fill := func(dst *string, src string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = src
		}
	}

	fill(&p.Name, fallback.Name)
	if p.Price <= 0 {
		p.Price = fallback.Price
	}
	fill(&p.Currency, fallback.Currency)
	fill(&p.ImageURL, fallback.ImageURL)
	fill(&p.Description, fallback.Description)
	fill(&p.SKU, fallback.SKU)
	fill(&p.Availability, fallback.Availability)
	fill(&p.SourceURL, fallback.SourceURL)
	fill(&p.Category, fallback.Category)

	c, f := &p.Cannabis, fallback.Cannabis
	fill(&c.StrainType, f.StrainType)
	fill(&c.SeedType, f.SeedType)
	fill(&c.THCContent, f.THCContent)
	fill(&c.CBDContent, f.CBDContent)
	fill(&c.FloweringTime, f.FloweringTime)
	fill(&c.Yield, f.Yield)
	fill(&c.Genetics, f.Genetics)
	fill(&c.Height, f.Height)
	fill(&c.Effects, f.Effects)
	fill(&c.Aroma, f.Aroma)
	fill(&c.Flavor, f.Flavor)
}
