package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// LamThaoExtractor parses lamthaocosmetics.vn pages. Product details come
// from the Haravan product object embedded in window.F1GENZ_vars.
type LamThaoExtractor struct{}

// ParseListingPage returns one ListingRef per div.product-inner card that
// carries a data-proid attribute.
func (LamThaoExtractor) ParseListingPage(payload []byte, source string) ([]harvest.ListingRef, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return nil, err
	}
	var out []harvest.ListingRef
	doc.Find("div.product-inner").Each(func(_ int, card *goquery.Selection) {
		link := card.Find("h3.titleproduct a").First()
		href := strings.TrimSpace(link.AttrOr("href", ""))
		name := strings.TrimSpace(link.Text())
		rawID := strings.TrimSpace(card.AttrOr("data-proid", ""))
		if href == "" || name == "" || rawID == "" {
			return
		}
		listing := listingDoc{Name: name, URL: href}
		if n, err := strconv.ParseInt(rawID, 10, 64); err == nil {
			listing.ID = int64Ptr(n)
		}
		data, err := json.Marshal(listing)
		if err != nil {
			return
		}
		out = append(out, harvest.ListingRef{
			Source: source,
			ItemID: harvest.ItemID(source, rawID),
			URL:    href,
			Name:   name,
			Data:   data,
		})
	})
	return out, nil
}

// haravanProduct is the subset of the embedded product object we keep.
// Prices are VND * 100.
type haravanProduct struct {
	ID                int64            `json:"id"`
	Title             string           `json:"title"`
	Handle            string           `json:"handle"`
	Vendor            string           `json:"vendor"`
	Type              string           `json:"type"`
	PriceMin          float64          `json:"price_min"`
	CompareAtPriceMin float64          `json:"compare_at_price_min"`
	Available         bool             `json:"available"`
	Options           json.RawMessage  `json:"options"`
	Variants          []haravanVariant `json:"variants"`
}

type haravanVariant struct {
	ID                   int64   `json:"id"`
	Title                string  `json:"title"`
	SKU                  *string `json:"sku"`
	Barcode              *string `json:"barcode"`
	Available            bool    `json:"available"`
	Price                float64 `json:"price"`
	CompareAtPrice       float64 `json:"compare_at_price"`
	InventoryQuantity    float64 `json:"inventory_quantity"`
	OldInventoryQuantity float64 `json:"old_inventory_quantity"`
}

var firstNumber = regexp.MustCompile(`\d+`)

// ParseProductPage decodes the embedded product object. A page without it
// yields harvest.ErrNoData.
func (LamThaoExtractor) ParseProductPage(payload []byte, _ harvest.ListingRef) (harvest.ProductData, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return harvest.ProductData{}, err
	}

	var raw *haravanProduct
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if !strings.Contains(text, "window.F1GENZ_vars") {
			return true
		}
		obj, ok := embeddedProductJSON(text)
		if !ok {
			return true
		}
		var p haravanProduct
		if err := json.Unmarshal([]byte(obj), &p); err != nil {
			return true
		}
		raw = &p
		return false
	})
	if raw == nil {
		return harvest.ProductData{}, fmt.Errorf("product object not found: %w", harvest.ErrNoData)
	}

	var bought int64
	if m := firstNumber.FindString(doc.Find(".bottomloopend21").First().Text()); m != "" {
		bought, _ = strconv.ParseInt(m, 10, 64)
	}

	data, err := json.Marshal(transformHaravan(*raw, bought))
	if err != nil {
		return harvest.ProductData{}, fmt.Errorf("marshal product: %w", err)
	}
	var canonical *int64
	if raw.ID > 0 {
		canonical = int64Ptr(raw.ID)
	}
	return harvest.ProductData{CanonicalID: canonical, Name: raw.Title, Data: data}, nil
}

func transformHaravan(p haravanProduct, bought int64) productDoc {
	price := int64(p.PriceMin / 100)
	compare := int64(p.CompareAtPriceMin / 100)
	doc := productDoc{
		Name:                  p.Title,
		URL:                   p.Handle,
		Brand:                 brandDoc{Name: p.Vendor},
		CategoryName:          p.Type,
		Price:                 price,
		FinalPrice:            formatVND(price, " ₫"),
		MarketPrice:           formatVND(compare, " ₫"),
		DiscountMarketPercent: discountPercent(price, compare),
		Bought:                bought,
		CanBuy:                p.Available,
		IsSaleable:            p.Available,
	}
	if p.ID > 0 {
		doc.ID = int64Ptr(p.ID)
	}

	switch {
	case len(p.Variants) > 1:
		items := make([]variantItem, 0, len(p.Variants))
		for _, v := range p.Variants {
			vp := int64(v.Price / 100)
			vc := int64(v.CompareAtPrice / 100)
			items = append(items, variantItem{
				ID:          int64Ptr(v.ID),
				Title:       v.Title,
				SKU:         v.SKU,
				Barcode:     v.Barcode,
				Available:   v.Available,
				Price:       vp,
				FinalPrice:  formatVND(vp, " ₫"),
				MarketPrice: formatVND(vc, " ₫"),
				Qty:         int64(v.InventoryQuantity),
				OldQty:      int64Ptr(int64(v.OldInventoryQuantity)),
			})
		}
		var options any = []any{}
		if len(p.Options) > 0 {
			options = p.Options
		}
		doc.Variant = &variantDoc{HasVariants: true, Options: options, Variants: items}
	case len(p.Variants) == 1:
		v := p.Variants[0]
		doc.SKU = v.SKU
		doc.Qty = int64Ptr(int64(v.InventoryQuantity))
		doc.OldQty = int64Ptr(int64(v.OldInventoryQuantity))
	}
	return doc
}

// embeddedProductJSON finds `product: { ... data: {...} }` in a script body
// and returns the balanced object following `data:`. Braces inside string
// literals are ignored.
func embeddedProductJSON(script string) (string, bool) {
	productAt := strings.Index(script, "product:")
	if productAt < 0 {
		return "", false
	}
	dataAt := strings.Index(script[productAt:], "data:")
	if dataAt < 0 {
		return "", false
	}
	rest := script[productAt+dataAt:]
	open := strings.IndexByte(rest, '{')
	if open < 0 {
		return "", false
	}
	rest = rest[open:]

	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return rest[:i+1], true
			}
		}
	}
	return "", false
}

// ParseBrandDirectory reads vendor filters from /collections/all, e.g.
// data-filter="(vendor:product=COSRX)".
func (LamThaoExtractor) ParseBrandDirectory(payload []byte) ([]string, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return nil, err
	}
	var brands []string
	doc.Find("input[data-filter]").Each(func(_ int, s *goquery.Selection) {
		filter := s.AttrOr("data-filter", "")
		if !strings.Contains(filter, "vendor") {
			return
		}
		parts := strings.Split(filter, "=")
		name := strings.Trim(strings.TrimSpace(parts[len(parts)-1]), ")")
		brands = append(brands, name)
	})
	return sortedUnique(brands), nil
}
