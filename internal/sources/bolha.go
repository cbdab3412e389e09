package sources

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"listing-radar-go/internal/models"
)

const sourceBolha = "bolha"

var bolhaIDRe = regexp.MustCompile(`/oglas/[^/]*?-?(\d+)(?:[/?#]|$)`)

// Bolha is the general-marketplace adapter.
type Bolha struct{}

func NewBolha() *Bolha {
	return &Bolha{}
}

func (b *Bolha) Source() string {
	return sourceBolha
}

func (b *Bolha) Category() string {
	return models.CategoryItem
}

func (b *Bolha) ContentID(externalID string) string {
	return "bl_" + externalID
}

func (b *Bolha) MaxPages() int {
	return 2
}

// Canonicalize trims junk and pins newest-first ordering. The site is a
// modern UTF-8 one, so no legacy escape handling is needed here.
func (b *Bolha) Canonicalize(rawURL string) (string, error) {
	s := stripJunk(rawURL)
	if !strings.HasPrefix(s, "http") {
		return "", fmt.Errorf("invalid search url")
	}
	u, err := url.Parse(s)
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
	clean.Set("sort", "new")
	clean.Set("page", "1")
	u.RawQuery = clean.Encode()
	return u.String(), nil
}

func (b *Bolha) PageURL(canonicalURL string, page int) string {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return canonicalURL
	}
	q := u.Query()
	q.Set("page", fmt.Sprintf("%d", page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *Bolha) Parse(html string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse result page: %w", err)
	}

	var candidates []Candidate
	doc.Find("li.EntityList-item").Each(func(_ int, row *goquery.Selection) {
		link := row.Find(".entity-title a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		externalID, ok := bolhaExternalID(row, href)
		if !ok {
			return
		}

		rawHTML, _ := goquery.OuterHtml(row)
		candidates = append(candidates, Candidate{
			ExternalID:  externalID,
			ContentID:   b.ContentID(externalID),
			SnippetText: b.snippetText(row),
			Link:        bolhaAbsLink(href),
			ImageURL:    bolhaImage(row),
			RawHTML:     rawHTML,
			Promoted:    bolhaPromoted(row),
		})
	})
	return candidates, nil
}

func bolhaExternalID(row *goquery.Selection, href string) (string, bool) {
	if id, ok := row.Attr("data-id"); ok && id != "" {
		return id, true
	}
	if match := bolhaIDRe.FindStringSubmatch(href); match != nil {
		return match[1], true
	}
	return "", false
}

func bolhaPromoted(row *goquery.Selection) bool {
	if row.HasClass("EntityList-item--featured") || row.HasClass("EntityList-item--vauvau") {
		return true
	}
	return row.Find(".entity-feature--promoted, .badge--featured").Length() > 0
}

func (b *Bolha) snippetText(row *goquery.Selection) string {
	var parts []string
	if title := squashSpace(row.Find(".entity-title").Text()); title != "" {
		parts = append(parts, "NAZIV: "+title)
	}
	if price := squashSpace(row.Find(".price").First().Text()); price != "" {
		parts = append(parts, "CENA: "+price)
	}
	if desc := squashSpace(row.Find(".entity-description-main").Text()); desc != "" {
		parts = append(parts, "OPIS: "+desc)
	}
	if pub, ok := row.Find(".entity-pub-date time").Attr("datetime"); ok {
		parts = append(parts, "OBJAVLJENO: "+pub)
	}
	return strings.Join(parts, " | ")
}

func bolhaImage(row *goquery.Selection) string {
	img := row.Find(".entity-thumbnail img").First()
	if img.Length() == 0 {
		img = row.Find("img").First()
	}
	src, ok := img.Attr("data-src")
	if !ok || src == "" {
		src, _ = img.Attr("src")
	}
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "//") {
		return "https:" + src
	}
	return src
}

func bolhaAbsLink(href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	return "https://www.bolha.com" + href
}

func (b *Bolha) Fallback(c Candidate) models.Listing {
	listing := models.Listing{
		ContentID: c.ContentID,
		Source:    sourceBolha,
		Category:  models.CategoryItem,
		Title:     "Neznano",
		Price:     "Po dogovoru",
		Link:      c.Link,
		ImageURL:  c.ImageURL,
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(c.RawHTML))
	if err != nil {
		return listing
	}

	if title := squashSpace(doc.Find(".entity-title").Text()); title != "" {
		listing.Title = title
	}
	if price := squashSpace(doc.Find(".price").First().Text()); price != "" {
		listing.Price = CleanPrice(price)
	}

	details := models.ItemDetails{}
	if loc := squashSpace(doc.Find(".entity-description-itemLocation, .entity-description .location").Text()); loc != "" {
		details.Location = models.StrPtr(loc)
	}
	if pub, ok := doc.Find(".entity-pub-date time").Attr("datetime"); ok {
		details.Published = models.StrPtr(pub)
	}
	listing.Details = models.SnippetDetails{Item: &details}
	return listing
}
