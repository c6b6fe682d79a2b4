// Package extractor turns a product page into an ExtractedProduct, preferring
// embedded JSON-LD and falling back to configured CSS selectors.
package extractor

import (
	"log/slog"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/catalog-scraper/internal/catalog/validation"
	"github.com/maltedev/catalog-scraper/internal/models"
)

// LowQualityThreshold is the quality score below which an extraction is logged as a warning.
const LowQualityThreshold = 40

// Options selects the extraction strategy.
type Options struct {
	// CrossValidate runs both passes and merges them, JSON-LD values first.
	CrossValidate bool
}

// Result is one page's extraction outcome.
type Result struct {
	Product    *models.ExtractedProduct
	Quality    int
	Validation *validation.Result
	// Comparison is set in cross-validation mode when both passes ran.
	Comparison *validation.Comparison
}

type Extractor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger.With("component", "hybrid_extractor")}
}

// Extract returns nil when neither pass yields a valid product.
func (e *Extractor) Extract(doc *goquery.Document, selectors SelectorConfig, sourceURL string, opts Options) *Result {
	if doc == nil {
		return nil
	}

	structured := e.structuredPass(doc, sourceURL)
	if structured != nil && !opts.CrossValidate {
		return e.result(structured, nil)
	}

	manual := extractManual(doc, selectors, sourceURL)
	if manual != nil && !validation.Validate(manual).IsValid {
		e.logger.Debug("manual extraction failed validation", "url", sourceURL)
		manual = nil
	}

	switch {
	case structured != nil && manual != nil:
		cmp := validation.CompareMethods(structured, manual)
		structured.Merge(manual)
		structured.Provenance = models.ProvenanceJSONLD
		e.logger.Debug("merged extractions",
			"url", sourceURL,
			"recommendation", cmp.Recommendation)
		return e.result(structured, cmp)
	case structured != nil:
		return e.result(structured, nil)
	case manual != nil:
		return e.result(manual, nil)
	}

	e.logger.Debug("no product extracted", "url", sourceURL)
	return nil
}

// structuredPass returns the first JSON-LD product that has a name and validates.
func (e *Extractor) structuredPass(doc *goquery.Document, sourceURL string) *models.ExtractedProduct {
	for _, block := range structuredBlocks(doc) {
		nodes, err := productNodes(block.raw)
		if err != nil {
			e.logger.Debug("skipping malformed json-ld block", "url", sourceURL, "error", err)
			continue
		}
		for _, node := range nodes {
			p := productFromNode(node, sourceURL)
			if p.Name == "" {
				continue
			}
			if v := validation.Validate(p); !v.IsValid {
				e.logger.Debug("json-ld candidate rejected",
					"url", sourceURL,
					"domain_match", block.preferred,
					"errors", v.Errors)
				continue
			}
			return p
		}
	}
	return nil
}

// result applies the default currency after any merge.
func (e *Extractor) result(p *models.ExtractedProduct, cmp *validation.Comparison) *Result {
	if p.Currency == "" {
		p.Currency = models.DefaultCurrency
	}
	r := &Result{
		Product:    p,
		Quality:    QualityScore(p),
		Validation: validation.Validate(p),
		Comparison: cmp,
	}
	if r.Quality < LowQualityThreshold {
		e.logger.Warn("low quality extraction",
			"url", p.SourceURL,
			"provenance", p.Provenance,
			"quality", r.Quality)
	}
	return r
}

// QualityScore is the weighted field-presence score of p, 0-100.
func QualityScore(p *models.ExtractedProduct) int {
	return validation.Completeness(p)
}
