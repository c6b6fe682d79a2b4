package validation

import (
	"strings"

	"github.com/maltedev/catalog-scraper/internal/models"
)

type fieldCategory int

const (
	categoryCore fieldCategory = iota
	categoryCannabis
	categoryCosmetic
)

type weightedField struct {
	name     string
	category fieldCategory
	weight   int
	present  func(*models.ExtractedProduct) bool
}

func nonEmpty(get func(*models.ExtractedProduct) string) func(*models.ExtractedProduct) bool {
	return func(p *models.ExtractedProduct) bool { return strings.TrimSpace(get(p)) != "" }
}

// fieldWeights sums to 100.
var fieldWeights = []weightedField{
	{"name", categoryCore, 20, nonEmpty(func(p *models.ExtractedProduct) string { return p.Name })},
	{"price", categoryCore, 20, func(p *models.ExtractedProduct) bool { return p.Price > 0 }},
	{"source url", categoryCore, 10, nonEmpty(func(p *models.ExtractedProduct) string { return p.SourceURL })},

	{"strain type", categoryCannabis, 5, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.StrainType })},
	{"seed type", categoryCannabis, 5, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.SeedType })},
	{"thc content", categoryCannabis, 5, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.THCContent })},
	{"cbd content", categoryCannabis, 4, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.CBDContent })},
	{"flowering time", categoryCannabis, 5, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.FloweringTime })},
	{"yield", categoryCannabis, 3, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.Yield })},
	{"genetics", categoryCannabis, 4, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.Genetics })},
	{"height", categoryCannabis, 2, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.Height })},
	{"effects", categoryCannabis, 3, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.Effects })},
	{"aroma", categoryCannabis, 2, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.Aroma })},
	{"flavor", categoryCannabis, 2, nonEmpty(func(p *models.ExtractedProduct) string { return p.Cannabis.Flavor })},

	{"image", categoryCosmetic, 4, nonEmpty(func(p *models.ExtractedProduct) string { return p.ImageURL })},
	{"description", categoryCosmetic, 3, nonEmpty(func(p *models.ExtractedProduct) string { return p.Description })},
	{"sku", categoryCosmetic, 2, nonEmpty(func(p *models.ExtractedProduct) string { return p.SKU })},
	{"currency", categoryCosmetic, 1, nonEmpty(func(p *models.ExtractedProduct) string { return p.Currency })},
}

// Completeness is the weighted share of populated fields, 0-100.
func Completeness(p *models.ExtractedProduct) int {
	if p == nil {
		return 0
	}
	total := 0
	for _, f := range fieldWeights {
		if f.present(p) {
			total += f.weight
		}
	}
	return min(total, 100)
}
