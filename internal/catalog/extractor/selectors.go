package extractor

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SelectorConfig maps product fields to CSS selectors. A selector may end in
// "@attr" to read an attribute instead of the element text, e.g.
// "meta[itemprop=price]@content".
type SelectorConfig struct {
	Name         string `yaml:"name" json:"name,omitempty"`
	Price        string `yaml:"price" json:"price,omitempty"`
	Currency     string `yaml:"currency" json:"currency,omitempty"`
	Image        string `yaml:"image" json:"image,omitempty"`
	Description  string `yaml:"description" json:"description,omitempty"`
	SKU          string `yaml:"sku" json:"sku,omitempty"`
	Availability string `yaml:"availability" json:"availability,omitempty"`
	Category     string `yaml:"category" json:"category,omitempty"`

	StrainType    string `yaml:"strain_type" json:"strain_type,omitempty"`
	SeedType      string `yaml:"seed_type" json:"seed_type,omitempty"`
	THCContent    string `yaml:"thc" json:"thc,omitempty"`
	CBDContent    string `yaml:"cbd" json:"cbd,omitempty"`
	FloweringTime string `yaml:"flowering_time" json:"flowering_time,omitempty"`
	Yield         string `yaml:"yield" json:"yield,omitempty"`
	Genetics      string `yaml:"genetics" json:"genetics,omitempty"`
	Height        string `yaml:"height" json:"height,omitempty"`
	Effects       string `yaml:"effects" json:"effects,omitempty"`
	Aroma         string `yaml:"aroma" json:"aroma,omitempty"`
	Flavor        string `yaml:"flavor" json:"flavor,omitempty"`
}

// Empty reports whether no manual selector is configured for the required fields.
func (s SelectorConfig) Empty() bool {
	return strings.TrimSpace(s.Name) == "" && strings.TrimSpace(s.Price) == ""
}

var (
	attrName   = regexp.MustCompile(`^[a-zA-Z_:][-a-zA-Z0-9_:.]*$`)
	whitespace = regexp.MustCompile(`\s+`)
)

// splitSelector separates "css@attr" into its parts. An "@" that is not followed
// by a plain attribute name is left in the CSS part.
func splitSelector(sel string) (css, attr string) {
	sel = strings.TrimSpace(sel)
	i := strings.LastIndex(sel, "@")
	if i <= 0 || !attrName.MatchString(sel[i+1:]) {
		return sel, ""
	}
	return strings.TrimSpace(sel[:i]), sel[i+1:]
}

// selectValue returns the cleaned text or attribute of the first element matching sel.
func selectValue(doc *goquery.Selection, sel string) string {
	if strings.TrimSpace(sel) == "" {
		return ""
	}
	css, attr := splitSelector(sel)
	node := doc.Find(css).First()
	if node.Length() == 0 {
		return ""
	}
	if attr != "" {
		v, _ := node.Attr(attr)
		return cleanText(v)
	}
	return cleanText(node.Text())
}

func cleanText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// resolveURL makes ref absolute against base. Unparseable input is returned unchanged.
func resolveURL(base, ref string) string {
	if ref == "" || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
