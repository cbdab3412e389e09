package sources

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/charmap"

	"listing-radar-go/internal/models"
)

const sourceNepremicnine = "nepremicnine"

var nepremicnineIDRe = regexp.MustCompile(`oglasi[^_]*_(\d+)`)

// Nepremicnine is the real-estate adapter.
type Nepremicnine struct{}

func NewNepremicnine() *Nepremicnine {
	return &Nepremicnine{}
}

func (n *Nepremicnine) Source() string {
	return sourceNepremicnine
}

func (n *Nepremicnine) Category() string {
	return models.CategoryProperty
}

func (n *Nepremicnine) ContentID(externalID string) string {
	return "np_" + externalID
}

func (n *Nepremicnine) MaxPages() int {
	return 2
}

// Canonicalize handles the site's ISO-8859-2 legacy escapes (region names
// carry diacritics) and drops empty filters.
func (n *Nepremicnine) Canonicalize(rawURL string) (string, error) {
	s := stripJunk(rawURL)
	if !strings.HasPrefix(s, "http") {
		return "", fmt.Errorf("invalid search url")
	}
	decoded, err := decodeLegacyEscapes(s, charmap.ISO8859_2)
	if err != nil {
		return "", fmt.Errorf("failed to decode legacy escapes: %w", err)
	}
	u, err := url.Parse(decoded)
	if err != nil {
		return "", fmt.Errorf("unparseable search url: %w", err)
	}
	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("unparseable query: %w", err)
	}
	clean := url.Values{}
	for key, vals := range params {
		if len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
			continue
		}
		clean.Set(key, strings.TrimSpace(vals[0]))
	}
	clean.Set("s", "16") // newest first
	u.RawQuery = clean.Encode()
	return u.String(), nil
}

func (n *Nepremicnine) PageURL(canonicalURL string, page int) string {
	if page <= 1 {
		return canonicalURL
	}
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return canonicalURL
	}
	q := u.Query()
	q.Set("p", fmt.Sprintf("%d", page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (n *Nepremicnine) Parse(html string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse result page: %w", err)
	}

	var candidates []Candidate
	doc.Find("div.property-box, div.oglas_container").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a.url-title-d, h2 a, a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		match := nepremicnineIDRe.FindStringSubmatch(href)
		if match == nil {
			return
		}
		externalID := match[1]

		rawHTML, _ := goquery.OuterHtml(row)
		candidates = append(candidates, Candidate{
			ExternalID:  externalID,
			ContentID:   n.ContentID(externalID),
			SnippetText: n.snippetText(row),
			Link:        nepremicnineAbsLink(href),
			ImageURL:    nepremicnineImage(row),
			RawHTML:     rawHTML,
			Promoted:    row.HasClass("oglas_container--izpostavljen") || row.Find(".izpostavljen, .badge-top").Length() > 0,
		})
	})
	return candidates, nil
}

func (n *Nepremicnine) snippetText(row *goquery.Selection) string {
	var parts []string
	if title := squashSpace(row.Find("h2, .title").First().Text()); title != "" {
		parts = append(parts, "NEPREMICNINA: "+title)
	}
	if price := squashSpace(row.Find(".cena, .price").First().Text()); price != "" {
		parts = append(parts, "CENA: "+price)
	}
	if data := squashSpace(row.Find(".atributi, .kratek_opis, .desc").Text()); data != "" {
		parts = append(parts, "PODATKI: "+data)
	}
	return strings.Join(parts, " | ")
}

func nepremicnineImage(row *goquery.Selection) string {
	img := row.Find("img").First()
	src, ok := img.Attr("data-src")
	if !ok || src == "" {
		src, _ = img.Attr("src")
	}
	src = strings.TrimSpace(src)
	switch {
	case src == "":
		return ""
	case strings.HasPrefix(src, "//"):
		return "https:" + src
	case strings.HasPrefix(src, "/"):
		return "https://www.nepremicnine.net" + src
	}
	return src
}

func nepremicnineAbsLink(href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	return "https://www.nepremicnine.net" + href
}

func (n *Nepremicnine) Fallback(c Candidate) models.Listing {
	listing := models.Listing{
		ContentID: c.ContentID,
		Source:    sourceNepremicnine,
		Category:  models.CategoryProperty,
		Title:     "Neznano",
		Price:     "Po dogovoru",
		Link:      c.Link,
		ImageURL:  c.ImageURL,
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(c.RawHTML))
	if err != nil {
		return listing
	}

	if title := squashSpace(doc.Find("h2, .title").First().Text()); title != "" {
		listing.Title = title
	}
	if price := squashSpace(doc.Find(".cena, .price").First().Text()); price != "" {
		listing.Price = CleanPrice(price)
	}

	details := models.PropertyDetails{}
	if area := squashSpace(doc.Find(".velikost, .size").First().Text()); area != "" {
		details.Area = models.StrPtr(area)
	}
	if typ := squashSpace(doc.Find(".tipi, .vrsta").First().Text()); typ != "" {
		details.Type = models.StrPtr(typ)
	}
	if loc := squashSpace(doc.Find(".title span, .kraj").First().Text()); loc != "" {
		details.Location = models.StrPtr(loc)
	}
	listing.Details = models.SnippetDetails{Property: &details}
	return listing
}
