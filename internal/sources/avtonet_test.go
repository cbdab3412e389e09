package sources

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvtonetCanonicalize(t *testing.T) {
	a := NewAvtonet()

	raw := "https://www.avto.net/Ads/results.asp?znamka=BMW&model=&cenaMin=0&cenaMax=15000&EQ1=1000000000&EQ2=5&bencin=0&presort=1&tipsort=ASC&stran=4"
	got, err := a.Canonicalize(raw)
	require.NoError(t, err)

	// Empty and default-zero params are gone, price bounds survive.
	assert.NotContains(t, got, "model=")
	assert.NotContains(t, got, "bencin=")
	assert.NotContains(t, got, "EQ1=")
	assert.Contains(t, got, "EQ2=5")
	assert.Contains(t, got, "cenaMin=0")
	assert.Contains(t, got, "cenaMax=15000")

	// Ordering and paging are forced.
	assert.Contains(t, got, "presort=3")
	assert.Contains(t, got, "tipsort=DESC")
	assert.Contains(t, got, "stran=1")
}

func TestAvtonetCanonicalizeLegacyEscapes(t *testing.T) {
	a := NewAvtonet()

	// %8A is 'Š' in Windows-1250; a UTF-8 unescape would reject it.
	got, err := a.Canonicalize("https://www.avto.net/Ads/results.asp?znamka=%8Akoda")
	require.NoError(t, err)
	assert.Contains(t, got, "%C5%A0koda")
}

func TestAvtonetCanonicalizeJunkWrapping(t *testing.T) {
	a := NewAvtonet()

	got, err := a.Canonicalize("  <https://www.avto.net/Ads/results.asp?znamka=Audi>\n")
	require.NoError(t, err)
	assert.Contains(t, got, "znamka=Audi")

	_, err = a.Canonicalize("not a url")
	assert.Error(t, err)
}

func TestAvtonetCanonicalizeStableForSharedSearches(t *testing.T) {
	a := NewAvtonet()

	u1, err := a.Canonicalize("https://www.avto.net/Ads/results.asp?znamka=BMW&model=&stran=3")
	require.NoError(t, err)
	u2, err := a.Canonicalize("https://www.avto.net/Ads/results.asp?model=&znamka=BMW&stran=7")
	require.NoError(t, err)

	// Two subscribers pasting variants of the same search share one row.
	assert.Equal(t, u1, u2)
	assert.Equal(t, HashURL(u1), HashURL(u2))
}

func TestAvtonetPageURL(t *testing.T) {
	a := NewAvtonet()
	assert.Equal(t,
		"https://www.avto.net/Ads/results.asp?znamka=BMW&stran=2",
		a.PageURL("https://www.avto.net/Ads/results.asp?znamka=BMW&stran=1", 2))
}

const avtonetResultsPage = `
<html><body>
<div class="GO-Results-Row GO-Shadow-B">
  <div class="GO-Results-Naziv"><span>BMW 320d Touring</span></div>
  <div class="GO-Results-Data-Top">1.registracija: 2019, 95000 km, diesel</div>
  <div class="GO-Results-Price-Mid">21.990 &euro;</div>
  <div class="GO-Results-Photo"><img data-src="//images.avto.net/pic1.jpg"></div>
  <a class="stretched-link" href="../Ads/details.asp?id=12345678"></a>
</div>
<div class="GO-Results-Row">
  <div class="GO-ResultsRibbon"><span>TOP ponudba</span></div>
  <div class="GO-Results-Naziv"><span>Audi A4 Avant</span></div>
  <div class="GO-Results-Price-Mid">18.500 &euro;</div>
  <a class="stretched-link" href="../Ads/details.asp?id=87654321"></a>
</div>
<div class="GO-Results-Row">
  <div class="GO-Results-Naziv"><span>Brez povezave</span></div>
</div>
</body></html>`

func TestAvtonetParse(t *testing.T) {
	a := NewAvtonet()

	candidates, err := a.Parse(avtonetResultsPage)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	first := candidates[0]
	assert.Equal(t, "12345678", first.ExternalID)
	assert.Equal(t, "an_12345678", first.ContentID)
	assert.False(t, first.Promoted)
	assert.Equal(t, "https://images.avto.net/pic1.jpg", first.ImageURL)
	assert.Contains(t, first.Link, "avto.net/Ads/details.asp?id=12345678")
	assert.Contains(t, first.SnippetText, "AVTO: BMW 320d Touring")
	assert.Contains(t, first.SnippetText, "CENA:")
	assert.Contains(t, first.SnippetText, "PODATKI:")

	second := candidates[1]
	assert.Equal(t, "an_87654321", second.ContentID)
	assert.True(t, second.Promoted, "TOP ribbon row must be detected as promoted")
}

func TestAvtonetFallback(t *testing.T) {
	a := NewAvtonet()

	rowHTML := `
<div class="GO-Results-Row">
  <div class="GO-Results-Naziv"><span>BMW 320d NOVO</span></div>
  <div class="GO-Results-Price-Mid">21.990 &euro; oz. 18.000 &euro;</div>
  <table>
    <tr><td>1.registracija</td><td>2019</td></tr>
    <tr><td>Prevoženih</td><td>95000 km</td></tr>
    <tr><td>Gorivo</td><td>diesel motor</td></tr>
    <tr><td>Menjalnik</td><td>ročni menjalnik</td></tr>
  </table>
</div>`

	listing := a.Fallback(Candidate{
		ContentID: "an_12345678",
		Link:      "https://www.avto.net/Ads/details.asp?id=12345678",
		RawHTML:   rowHTML,
	})

	assert.Equal(t, "an_12345678", listing.ContentID)
	assert.Equal(t, "BMW 320d", listing.Title)
	assert.Equal(t, "21990 €", listing.Price)
	require.NotNil(t, listing.Details.Vehicle)
	assert.Equal(t, "2019", *listing.Details.Vehicle.Year)
	assert.Equal(t, "95000 km", *listing.Details.Vehicle.Mileage)
	assert.Equal(t, "diesel motor", *listing.Details.Vehicle.Fuel)
	assert.Equal(t, "ročni menjalnik", *listing.Details.Vehicle.Transmission)
}

func TestCleanPrice(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"21.980 €oz. 18.016 €", "21980 €"},
		{"AKCIJSKA CENA 70.999 €", "70999 €"},
		{"Cena po dogovoru", "Po dogovoru"},
		{"", "Po dogovoru"},
		{"15.500 € + DDV Export", "15500 €"},
		{"brez cene", "Po dogovoru"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CleanPrice(c.in), "input %q", c.in)
	}
}

func TestHashURL(t *testing.T) {
	h := HashURL("https://www.avto.net/Ads/results.asp?znamka=BMW")
	assert.Len(t, h, 64)
	assert.Equal(t, strings.ToLower(h), h)
	assert.NotEqual(t, h, HashURL("https://www.avto.net/Ads/results.asp?znamka=Audi"))
}
