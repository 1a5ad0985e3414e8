// Package extract parses storefront HTML into listing, product and brand
// records using goquery selectors per source.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Extractor names accepted by Lookup.
const (
	LamThao  = "lamthaocosmetics"
	Skinfood = "thegioiskinfood"
)

// Lookup returns the extractor registered under name.
func Lookup(name string) (harvest.Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case LamThao:
		return LamThaoExtractor{}, nil
	case Skinfood:
		return SkinfoodExtractor{}, nil
	default:
		return nil, fmt.Errorf("unknown extractor %q", name)
	}
}

// Names lists the registered extractor names.
func Names() []string {
	return []string{LamThao, Skinfood}
}

func parseDocument(payload []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

var nonDigits = regexp.MustCompile(`[^\d]`)

// parseDigits keeps only the digits of s, e.g. "369.000₫" -> 369000.
func parseDigits(s string) (int64, bool) {
	d := nonDigits.ReplaceAllString(s, "")
	if d == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(d, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseAttrInt(s *goquery.Selection, attr string) (int64, bool) {
	v, ok := s.Attr(attr)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// formatVND groups thousands with dots, e.g. 369000 -> "369.000" + suffix.
func formatVND(amount int64, suffix string) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	out := b.String() + suffix
	if neg {
		return "-" + out
	}
	return out
}

// discountPercent is (price-market)/market in whole percent, truncated
// toward zero; 0 when there is no markdown.
func discountPercent(price, market int64) int {
	if market <= 0 || price >= market {
		return 0
	}
	return int((price - market) * 100 / market)
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func int64Ptr(v int64) *int64 { return &v }

func stringPtr(v string) *string { return &v }

type brandDoc struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type listingDoc struct {
	ID      *int64   `json:"id"`
	SKU     *string  `json:"sku"`
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Brand   brandDoc `json:"brand"`
	Price   *int64   `json:"price,omitempty"`
	SoldOut *bool    `json:"sold_out,omitempty"`
}

type productDoc struct {
	ID                    *int64      `json:"id"`
	SKU                   *string     `json:"sku"`
	Name                  string      `json:"name"`
	URL                   string      `json:"url"`
	Brand                 brandDoc    `json:"brand"`
	CategoryName          string      `json:"category_name,omitempty"`
	Price                 int64       `json:"price"`
	FinalPrice            string      `json:"final_price"`
	MarketPrice           string      `json:"market_price"`
	DiscountMarketPercent int         `json:"discount_market_percent"`
	Bought                int64       `json:"bought"`
	CanBuy                bool        `json:"can_buy"`
	IsSaleable            bool        `json:"is_saleable"`
	Qty                   *int64      `json:"qty,omitempty"`
	OldQty                *int64      `json:"old_qty,omitempty"`
	MaxOrder              *int64      `json:"max_order,omitempty"`
	Variant               *variantDoc `json:"variant,omitempty"`
}

type variantDoc struct {
	HasVariants bool          `json:"has_variants"`
	Options     any           `json:"options"`
	Variants    []variantItem `json:"variants"`
}

type variantItem struct {
	ID          *int64  `json:"id"`
	Title       string  `json:"title"`
	SKU         *string `json:"sku"`
	Barcode     *string `json:"barcode"`
	Available   bool    `json:"available"`
	Price       int64   `json:"price"`
	FinalPrice  string  `json:"final_price"`
	MarketPrice string  `json:"market_price,omitempty"`
	Qty         int64   `json:"qty"`
	OldQty      *int64  `json:"old_qty,omitempty"`
	MaxOrder    *int64  `json:"max_order,omitempty"`
}
