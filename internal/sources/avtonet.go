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

const sourceAvtonet = "avtonet"

var (
	avtonetIDRe    = regexp.MustCompile(`id=(\d+)`)
	avtonetPageRe  = regexp.MustCompile(`stran=\d+`)
	priceJunkRe    = regexp.MustCompile(`oz\.|\+|Export|\(`)
	nonDigitRe     = regexp.MustCompile(`[^\d]`)
	avtonetEQOffRe = regexp.MustCompile(`^EQ\d+$`)
)

// Avtonet is the vehicle-classifieds adapter.
type Avtonet struct{}

func NewAvtonet() *Avtonet {
	return &Avtonet{}
}

func (a *Avtonet) Source() string {
	return sourceAvtonet
}

func (a *Avtonet) Category() string {
	return models.CategoryCar
}

func (a *Avtonet) ContentID(externalID string) string {
	return "an_" + externalID
}

func (a *Avtonet) MaxPages() int {
	return 3
}

// Canonicalize rewrites a pasted search URL into the short, stable form
// the site accepts. The site still speaks Windows-1250 in its percent
// escapes, rejects malformed encodings with its error page, and ships
// dozens of default-valued parameters that only bloat the URL.
func (a *Avtonet) Canonicalize(rawURL string) (string, error) {
	s := stripJunk(rawURL)
	if !strings.HasPrefix(s, "http") {
		return "", fmt.Errorf("invalid search url")
	}

	decoded, err := decodeLegacyEscapes(s, charmap.Windows1250)
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
		if len(vals) == 0 {
			continue
		}
		val := strings.TrimSpace(vals[0])
		if val == "" {
			continue
		}
		// Default zeroes carry no filter, except the price/year bounds.
		if val == "0" && !isRangeBound(key) {
			continue
		}
		// Untouched equipment bitmasks.
		if avtonetEQOffRe.MatchString(key) && val == "1000000000" {
			continue
		}
		clean.Set(key, val)
	}

	// Newest-first ordering and page one, always.
	clean.Set("presort", "3")
	clean.Set("tipsort", "DESC")
	clean.Set("stran", "1")

	u.RawQuery = clean.Encode()
	return u.String(), nil
}

func isRangeBound(key string) bool {
	switch key {
	case "cenaMin", "cenaMax", "letnikMin", "letnikMax":
		return true
	}
	return false
}

func (a *Avtonet) PageURL(canonicalURL string, page int) string {
	if avtonetPageRe.MatchString(canonicalURL) {
		return avtonetPageRe.ReplaceAllString(canonicalURL, fmt.Sprintf("stran=%d", page))
	}
	sep := "?"
	if strings.Contains(canonicalURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sstran=%d", canonicalURL, sep, page)
}

// Parse extracts all result rows from one page, promoted ones included.
func (a *Avtonet) Parse(html string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse result page: %w", err)
	}

	var candidates []Candidate
	doc.Find("div.GO-Results-Row").Each(func(_ int, row *goquery.Selection) {
		href, ok := row.Find("a.stretched-link").First().Attr("href")
		if !ok {
			href, ok = row.Find(".GO-Results-Naziv a").First().Attr("href")
			if !ok {
				return
			}
		}
		match := avtonetIDRe.FindStringSubmatch(href)
		if match == nil {
			return
		}
		externalID := match[1]

		rawHTML, _ := goquery.OuterHtml(row)
		candidates = append(candidates, Candidate{
			ExternalID:  externalID,
			ContentID:   a.ContentID(externalID),
			SnippetText: a.snippetText(row),
			Link:        avtonetAbsLink(href),
			ImageURL:    avtonetImage(row),
			RawHTML:     rawHTML,
			Promoted:    avtonetPromoted(row),
		})
	})
	return candidates, nil
}

// avtonetPromoted detects paid placements so they never burn extraction
// tokens or trigger notifications.
func avtonetPromoted(row *goquery.Selection) bool {
	ribbon := row.Find("div.GO-ResultsRibbon")
	if ribbon.Length() > 0 {
		text := strings.ToUpper(ribbon.Text())
		if strings.Contains(text, "TOP") ||
			strings.Contains(text, "IZPOSTAVLJENO") ||
			strings.Contains(text, "SUPER") {
			return true
		}
	}
	for _, class := range []string{"GO-Shadow-Featured", "GO-Results-Featured", "GO-Results-Row-TOP"} {
		if row.HasClass(class) {
			return true
		}
	}
	return false
}

// snippetText assembles the clean text block the extraction service sees.
func (a *Avtonet) snippetText(row *goquery.Selection) string {
	var parts []string
	if name := strings.TrimSpace(row.Find("div.GO-Results-Naziv").Text()); name != "" {
		parts = append(parts, "AVTO: "+name)
	}
	if price := squashSpace(row.Find("div.GO-Results-Price-Mid").Text()); price != "" {
		parts = append(parts, "CENA: "+price)
	}
	if data := squashSpace(row.Find("div.GO-Results-Data-Top").Text()); data != "" {
		parts = append(parts, "PODATKI: "+data)
	}
	return strings.Join(parts, " | ")
}

func avtonetImage(row *goquery.Selection) string {
	img := row.Find(".GO-Results-Top-Photo img, .GO-Results-Photo img, .GO-Results-Photo-Limit img").First()
	if img.Length() == 0 {
		img = row.Find("img").First()
	}
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
		return "https://www.avto.net" + src
	}
	return src
}

func avtonetAbsLink(href string) string {
	clean := strings.ReplaceAll(href, "../", "")
	clean = strings.TrimPrefix(clean, "..")
	if strings.HasPrefix(clean, "http") {
		return clean
	}
	return "https://www.avto.net/" + strings.TrimPrefix(clean, "/")
}

// Fallback reads title, price and the tech table straight from the row.
// It must always produce a usable listing, whatever state the AI side is in.
func (a *Avtonet) Fallback(c Candidate) models.Listing {
	listing := models.Listing{
		ContentID: c.ContentID,
		Source:    sourceAvtonet,
		Category:  models.CategoryCar,
		Title:     "Neznano",
		Price:     "Po dogovoru",
		Link:      c.Link,
		ImageURL:  c.ImageURL,
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(c.RawHTML))
	if err != nil {
		return listing
	}

	if name := strings.TrimSpace(doc.Find("div.GO-Results-Naziv").Text()); name != "" {
		listing.Title = strings.TrimSpace(strings.ReplaceAll(name, "NOVO", ""))
	}

	for _, sel := range []string{
		".GO-Results-Top-Price-TXT-AkcijaCena",
		".GO-Results-Top-Price-TXT-StaraCena",
		".GO-Results-Top-Price-Mid",
		".GO-Results-Price-Real",
		".GO-Results-Price-TXT-Regular",
		".GO-Results-Price-Mid",
	} {
		if raw := strings.TrimSpace(doc.Find(sel).First().Text()); raw != "" {
			listing.Price = CleanPrice(raw)
			break
		}
	}

	details := models.VehicleDetails{}
	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		cols := tr.Find("td")
		if cols.Length() < 2 {
			return
		}
		key := strings.ToLower(strings.TrimSpace(cols.Eq(0).Text()))
		val := strings.TrimSpace(cols.Eq(1).Text())
		switch {
		case strings.Contains(key, "leto") || strings.Contains(key, "registracija"):
			details.Year = models.StrPtr(val)
		case strings.Contains(key, "prevo"):
			details.Mileage = models.StrPtr(val)
		case strings.Contains(key, "gorivo"):
			details.Fuel = models.StrPtr(val)
		case strings.Contains(key, "menjalnik"):
			details.Transmission = models.StrPtr(val)
		case strings.Contains(key, "motor"):
			details.Engine = models.StrPtr(val)
		}
	})
	listing.Details = models.SnippetDetails{Vehicle: &details}
	return listing
}

// CleanPrice normalizes a scraped price blob ("21.980 €oz. 18.016 €",
// "AKCIJSKA CENA 70.999 €") into a plain euro amount.
func CleanPrice(raw string) string {
	if raw == "" || strings.Contains(strings.ToLower(raw), "dogovoru") {
		return "Po dogovoru"
	}
	head := priceJunkRe.Split(raw, 2)[0]
	digits := nonDigitRe.ReplaceAllString(head, "")
	if digits == "" {
		return "Po dogovoru"
	}
	return digits + " €"
}

func squashSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
