package validation

import (
	"testing"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullProduct() *models.ExtractedProduct {
	return &models.ExtractedProduct{
		Name:         "Gorilla Glue #4 Feminized",
		Price:        39.99,
		Currency:     "USD",
		ImageURL:     "https://seeds.example/img/gg4.jpg",
		Description:  "Sticky, potent and easy to grow.",
		SKU:          "GG4-FEM-5",
		Availability: "InStock",
		SourceURL:    "https://seeds.example/gorilla-glue-4",
		Provenance:   models.ProvenanceJSONLD,
		Cannabis: models.CannabisAttributes{
			StrainType:    "Indica-dominant hybrid",
			SeedType:      "Feminized",
			THCContent:    "25%",
			CBDContent:    "0.5%",
			FloweringTime: "8-9 weeks",
			Yield:         "500 g/m2",
			Genetics:      "Chem's Sister x Sour Dubb x Chocolate Diesel",
			Height:        "Medium",
			Effects:       "Relaxing, euphoric",
			Aroma:         "Earthy, pine",
			Flavor:        "Diesel, chocolate",
		},
	}
}

func TestValidateFullProduct(t *testing.T) {
	r := Validate(fullProduct())

	require.True(t, r.IsValid)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
	assert.Empty(t, r.Suggestions)
	assert.GreaterOrEqual(t, r.Score, 90)
}

func TestValidateHardErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *models.ExtractedProduct)
		errMsg string
	}{
		{"negative price", func(p *models.ExtractedProduct) { p.Price = -5 }, "price must be positive"},
		{"missing price", func(p *models.ExtractedProduct) { p.Price = 0 }, "price is required"},
		{"missing name", func(p *models.ExtractedProduct) { p.Name = "" }, "name is required"},
		{"short name", func(p *models.ExtractedProduct) { p.Name = "GG" }, "name shorter than 3 characters"},
		{"missing source url", func(p *models.ExtractedProduct) { p.SourceURL = "" }, "source url is required"},
		{"malformed source url", func(p *models.ExtractedProduct) { p.SourceURL = "seeds.example/gg4" }, "source url is malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fullProduct()
			tt.mutate(p)

			r := Validate(p)
			assert.False(t, r.IsValid)
			assert.Contains(t, r.Errors, tt.errMsg)
			assert.Less(t, r.Score, 100)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *models.ExtractedProduct)
		warning string
	}{
		{"implausible price", func(p *models.ExtractedProduct) { p.Price = 25000 }, "price 25000.00 outside plausible range"},
		{"unknown currency", func(p *models.ExtractedProduct) { p.Currency = "XYZ" }, `unrecognized currency "XYZ"`},
		{"unknown strain", func(p *models.ExtractedProduct) { p.Cannabis.StrainType = "Mystery" }, `unrecognized strain type "Mystery"`},
		{"unknown seed type", func(p *models.ExtractedProduct) { p.Cannabis.SeedType = "Clone" }, `unrecognized seed type "Clone"`},
		{"malformed thc", func(p *models.ExtractedProduct) { p.Cannabis.THCContent = "very high" }, `malformed THC content "very high"`},
		{"malformed flowering", func(p *models.ExtractedProduct) { p.Cannabis.FloweringTime = "soon" }, `malformed flowering time "soon"`},
		{"unavailable with price", func(p *models.ExtractedProduct) { p.Availability = "OutOfStock" }, "price present but product marked unavailable"},
		{"autoflower with flowering time", func(p *models.ExtractedProduct) { p.Cannabis.SeedType = "Autoflower" }, "autoflower seed type paired with a flowering time"},
		{"cannabinoid sum", func(p *models.ExtractedProduct) {
			p.Cannabis.THCContent = "30%"
			p.Cannabis.CBDContent = "15%"
		}, "THC+CBD of 45.0% is implausibly high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fullProduct()
			tt.mutate(p)

			r := Validate(p)
			assert.True(t, r.IsValid, "warnings must never invalidate")
			assert.Contains(t, r.Warnings, tt.warning)
			assert.Less(t, r.Score, 100)
		})
	}
}

func TestScoreCappedByCompleteness(t *testing.T) {
	p := &models.ExtractedProduct{
		Name:      "Blue Dream",
		Price:     12,
		SourceURL: "https://seeds.example/blue-dream",
	}

	r := Validate(p)
	assert.True(t, r.IsValid)
	assert.Equal(t, 50, Completeness(p))
	assert.Equal(t, 50, r.Score)
	assert.NotEmpty(t, r.Suggestions)
}

func TestValidateNil(t *testing.T) {
	r := Validate(nil)
	assert.False(t, r.IsValid)
	assert.Equal(t, 0, r.Score)
}

func TestCompareMethods(t *testing.T) {
	full := fullProduct()
	sparse := &models.ExtractedProduct{Name: "Blue Dream", Price: 12, SourceURL: "https://seeds.example/blue-dream"}
	nearlyFull := fullProduct()
	nearlyFull.Description = ""
	nearlyFull.SKU = ""
	invalid := &models.ExtractedProduct{Name: "", Price: -1}

	tests := []struct {
		name           string
		jsonld, manual *models.ExtractedProduct
		want           Method
	}{
		{"both missing", nil, nil, MethodNeither},
		{"both invalid", invalid, invalid, MethodNeither},
		{"only json-ld", full, nil, MethodJSONLD},
		{"only manual", invalid, sparse, MethodManual},
		{"json-ld much better", full, sparse, MethodJSONLD},
		{"manual much better", sparse, full, MethodManual},
		{"close scores merge", full, nearlyFull, MethodMerge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareMethods(tt.jsonld, tt.manual).Recommendation)
		})
	}
}
