package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/catalog-scraper/internal/models"
)

// extractManual builds a product from the configured selectors. It returns nil
// unless both a name and a positive price were found.
func extractManual(doc *goquery.Document, sel SelectorConfig, sourceURL string) *models.ExtractedProduct {
	if sel.Empty() {
		return nil
	}
	root := doc.Selection

	name := selectValue(root, sel.Name)
	priceText := selectValue(root, sel.Price)
	price := ParsePrice(priceText)
	if name == "" || price <= 0 {
		return nil
	}

	currency := strings.ToUpper(selectValue(root, sel.Currency))
	if currency == "" {
		currency = DetectCurrency(priceText)
	}

	return &models.ExtractedProduct{
		Name:         name,
		Price:        price,
		Currency:     currency,
		ImageURL:     resolveURL(sourceURL, selectValue(root, sel.Image)),
		Description:  selectValue(root, sel.Description),
		SKU:          selectValue(root, sel.SKU),
		Availability: selectValue(root, sel.Availability),
		Category:     selectValue(root, sel.Category),
		SourceURL:    sourceURL,
		Provenance:   models.ProvenanceManual,
		Cannabis: models.CannabisAttributes{
			StrainType:    selectValue(root, sel.StrainType),
			SeedType:      selectValue(root, sel.SeedType),
			THCContent:    selectValue(root, sel.THCContent),
			CBDContent:    selectValue(root, sel.CBDContent),
			FloweringTime: selectValue(root, sel.FloweringTime),
			Yield:         selectValue(root, sel.Yield),
			Genetics:      selectValue(root, sel.Genetics),
			Height:        selectValue(root, sel.Height),
			Effects:       selectValue(root, sel.Effects),
			Aroma:         selectValue(root, sel.Aroma),
			Flavor:        selectValue(root, sel.Flavor),
		},
	}
}
