package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// SkinfoodExtractor parses thegioiskinfood.com pages.
type SkinfoodExtractor struct{}

// ParseListingPage returns one ListingRef per div.proLoop card with a
// product id, taken from the review widget or the favorites button.
func (SkinfoodExtractor) ParseListingPage(payload []byte, source string) ([]harvest.ListingRef, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return nil, err
	}
	var out []harvest.ListingRef
	doc.Find("div.proLoop").Each(func(_ int, card *goquery.Selection) {
		link := card.Find("p.productName a").First()
		href := strings.TrimSpace(link.AttrOr("href", ""))
		name := strings.TrimSpace(link.Text())
		if href == "" || name == "" {
			return
		}
		rawID := strings.TrimSpace(card.Find("[data-product-id]").First().AttrOr("data-product-id", ""))
		if rawID == "" {
			rawID = strings.TrimSpace(card.Find("button.js-favorites[data-id]").First().AttrOr("data-id", ""))
		}
		if rawID == "" {
			return
		}
		brand := strings.TrimSpace(card.Find(".loopvendor .fill-vendor").First().Text())

		listing := listingDoc{Name: name, URL: href}
		if n, err := strconv.ParseInt(rawID, 10, 64); err == nil {
			listing.ID = int64Ptr(n)
		}
		if brand != "" {
			listing.Brand = brandDoc{Name: brand, URL: "/collections/all?vendors=" + brand}
		}
		if price, ok := parseDigits(card.Find(".proPrice .pro-price").First().Text()); ok {
			listing.Price = int64Ptr(price)
		}
		soldOut := card.Find(".sold-out").Length() > 0
		listing.SoldOut = &soldOut

		data, err := json.Marshal(listing)
		if err != nil {
			return
		}
		out = append(out, harvest.ListingRef{
			Source: source,
			ItemID: harvest.ItemID(source, rawID),
			URL:    href,
			Name:   name,
			Brand:  brand,
			Data:   data,
		})
	})
	return out, nil
}

// ParseProductPage reads the product detail page. A page without a title
// yields harvest.ErrNoData.
func (SkinfoodExtractor) ParseProductPage(payload []byte, ref harvest.ListingRef) (harvest.ProductData, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return harvest.ProductData{}, err
	}
	name := strings.TrimSpace(doc.Find("h1.page-product-info-title").First().Text())
	if name == "" {
		return harvest.ProductData{}, fmt.Errorf("product title not found: %w", harvest.ErrNoData)
	}

	product := productDoc{
		Name:       name,
		URL:        strings.TrimPrefix(ref.URL, "/products/"),
		Brand:      brandDoc{Name: strings.TrimSpace(doc.Find("a.fill-vendor span").First().Text())},
		CanBuy:     true,
		IsSaleable: true,
	}
	var canonical *int64
	if id, ok := ref.NumericID(); ok {
		canonical = int64Ptr(id)
		product.ID = canonical
	}

	oldText := strings.TrimSpace(doc.Find(".page-product-info-oldprice span").First().Text())
	newText := strings.TrimSpace(doc.Find(".page-product-info-newprice span").First().Text())
	market, _ := parseDigits(oldText)
	price, _ := parseDigits(newText)
	product.Price = price
	product.FinalPrice = newText
	if product.FinalPrice == "" {
		product.FinalPrice = formatVND(price, "₫")
	}
	product.MarketPrice = oldText
	if product.MarketPrice == "" {
		product.MarketPrice = formatVND(market, "₫")
	}
	product.DiscountMarketPercent = discountPercent(price, market)

	if n, err := strconv.ParseInt(strings.TrimSpace(doc.Find(".sold-qtt strong").First().Text()), 10, 64); err == nil {
		product.Bought = n
	}

	options := doc.Find("#product-select option")
	switch {
	case options.Length() > 1:
		items := make([]variantItem, 0, options.Length())
		options.Each(func(_ int, opt *goquery.Selection) {
			items = append(items, skinfoodVariant(opt, price))
		})
		product.Variant = &variantDoc{HasVariants: true, Options: []string{"Tiêu đề"}, Variants: items}
	case options.Length() == 1:
		opt := options.First()
		product.SKU = stringPtr(opt.AttrOr("data-sku", ""))
		qty, _ := parseAttrInt(opt, "data-max")
		maxOrder, _ := parseAttrInt(opt, "data-max-order")
		product.Qty = int64Ptr(qty)
		product.MaxOrder = int64Ptr(maxOrder)
	}

	data, err := json.Marshal(product)
	if err != nil {
		return harvest.ProductData{}, fmt.Errorf("marshal product: %w", err)
	}
	return harvest.ProductData{CanonicalID: canonical, Name: name, Data: data}, nil
}

// skinfoodVariant reads one <option>; data-price is VND * 100.
func skinfoodVariant(opt *goquery.Selection, fallbackPrice int64) variantItem {
	sku := opt.AttrOr("data-sku", "")
	item := variantItem{
		Title:     opt.AttrOr("data-title", ""),
		SKU:       stringPtr(sku),
		Barcode:   stringPtr(sku),
		Available: true,
		Price:     fallbackPrice,
		Qty:       999,
	}
	if id, ok := parseAttrInt(opt, "value"); ok {
		item.ID = int64Ptr(id)
	}
	if p, ok := parseAttrInt(opt, "data-price"); ok {
		item.Price = p / 100
	}
	if m, ok := parseAttrInt(opt, "data-max-order"); ok {
		item.Available = m > 0
		item.MaxOrder = int64Ptr(m)
	} else {
		item.MaxOrder = int64Ptr(0)
	}
	if q, ok := parseAttrInt(opt, "data-max"); ok {
		item.Qty = q
	}
	item.FinalPrice = formatVND(item.Price, "₫")
	return item
}

// ParseBrandDirectory reads /pages/thuong-hieu.
func (SkinfoodExtractor) ParseBrandDirectory(payload []byte) ([]string, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return nil, err
	}
	var brands []string
	doc.Find("div.boxlistbrand span.brand-title").Each(func(_ int, s *goquery.Selection) {
		brands = append(brands, s.Text())
	})
	return sortedUnique(brands), nil
}
