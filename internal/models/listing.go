package models

import "encoding/json"

// VehicleDetails are the source-specific fields of a car listing.
// Unknown fields stay nil (the extraction contract requires explicit nulls).
type VehicleDetails struct {
	Year         *string `json:"year"`
	Mileage      *string `json:"mileage"`
	Fuel         *string `json:"fuel"`
	Transmission *string `json:"transmission"`
	Engine       *string `json:"engine"`
}

// ItemDetails are the source-specific fields of a general marketplace listing.
type ItemDetails struct {
	Location  *string `json:"location"`
	Published *string `json:"published"`
}

// PropertyDetails are the source-specific fields of a real-estate listing.
type PropertyDetails struct {
	Area     *string `json:"area"`
	Rooms    *string `json:"rooms"`
	Type     *string `json:"type"`
	Location *string `json:"location"`
}

// SnippetDetails is the tagged variant carried next to the canonical
// listing fields. Exactly one branch is set, matching the category.
type SnippetDetails struct {
	Vehicle  *VehicleDetails  `json:"vehicle,omitempty"`
	Item     *ItemDetails     `json:"item,omitempty"`
	Property *PropertyDetails `json:"property,omitempty"`
}

// Listing is one structured listing, AI-derived or fallback-derived.
type Listing struct {
	ContentID string
	Source    string
	Category  string
	Title     string
	Price     string
	Link      string
	ImageURL  string
	Details   SnippetDetails
}

// Record converts the listing into its archive row.
func (l Listing) Record() ContentRecord {
	snippet, _ := json.Marshal(l.Details)
	return ContentRecord{
		ContentID: l.ContentID,
		Source:    l.Source,
		Category:  l.Category,
		Title:     l.Title,
		Price:     l.Price,
		Link:      l.Link,
		ImageURL:  l.ImageURL,
		Snippet:   string(snippet),
	}
}

// ListingFromRecord rebuilds a listing from an archive row.
func ListingFromRecord(rec ContentRecord) Listing {
	l := Listing{
		ContentID: rec.ContentID,
		Source:    rec.Source,
		Category:  rec.Category,
		Title:     rec.Title,
		Price:     rec.Price,
		Link:      rec.Link,
		ImageURL:  rec.ImageURL,
	}
	if rec.Snippet != "" {
		_ = json.Unmarshal([]byte(rec.Snippet), &l.Details)
	}
	return l
}

// StrPtr is a convenience for building detail structs.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StrOr returns the pointed-at string or a default.
func StrOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}
