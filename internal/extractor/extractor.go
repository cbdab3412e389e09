// Package extractor sends cache-miss candidates to the structured-
// extraction service in bounded batches and guarantees that every
// candidate comes back as a usable listing, falling back to the
// deterministic per-source parser whenever the service misbehaves.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"listing-radar-go/internal/config"
	"listing-radar-go/internal/models"
	"listing-radar-go/internal/sources"
)

// Job is one cache-miss candidate paired with its owning adapter.
type Job struct {
	Adapter   sources.Adapter
	Candidate sources.Candidate
}

// Outcome is one tick's extraction result: the listings to archive and
// the jobs deferred by the flood cap. Deferred jobs are not archived and
// not marked delivered, so a later tick picks them up again.
type Outcome struct {
	Listings     []models.Listing
	Deferred     []Job
	BatchesSent  int
	FallbackUsed int
}

// completionClient is the slice of the OpenAI client the extractor uses.
// Narrowed to an interface so tests can fake the service.
type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// BatchExtractor talks to an OpenRouter-compatible chat-completions
// endpoint, rotating one client per configured API key.
type BatchExtractor struct {
	clients   []completionClient
	model     string
	timeout   time.Duration
	batchSize int
	floodCap  int
	enabled   bool
}

// New builds the extractor from config.
func New(cfg config.ExtractorConfig) *BatchExtractor {
	clients := make([]completionClient, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		cc := openai.DefaultConfig(key)
		if cfg.BaseURL != "" {
			cc.BaseURL = cfg.BaseURL
		}
		clients = append(clients, openai.NewClientWithConfig(cc))
	}
	return &BatchExtractor{
		clients:   clients,
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		batchSize: cfg.BatchSize,
		floodCap:  cfg.FloodCap,
		enabled:   cfg.Enabled && len(clients) > 0,
	}
}

// newForTest wires fake clients; used by the package tests.
func newForTest(clients []completionClient, batchSize, floodCap int, enabled bool) *BatchExtractor {
	return &BatchExtractor{
		clients:   clients,
		model:     "test-model",
		timeout:   5 * time.Second,
		batchSize: batchSize,
		floodCap:  floodCap,
		enabled:   enabled,
	}
}

// Extract processes the tick-wide union of cache misses. The caller has
// already deduplicated by content id. Sub-batches run concurrently, one
// in-flight request per API key, and never overlap on content id because
// each job lands in exactly one sub-batch.
func (e *BatchExtractor) Extract(ctx context.Context, jobs []Job) Outcome {
	out := Outcome{}
	if len(jobs) == 0 {
		return out
	}

	if e.floodCap > 0 && len(jobs) > e.floodCap {
		out.Deferred = jobs[e.floodCap:]
		jobs = jobs[:e.floodCap]
		logrus.Warnf("Flood cap: deferring %d candidates to a later tick", len(out.Deferred))
	}

	if !e.enabled {
		for _, job := range jobs {
			out.Listings = append(out.Listings, job.Adapter.Fallback(job.Candidate))
		}
		out.FallbackUsed = len(jobs)
		return out
	}

	// Sub-batches must not mix categories: the extraction contract has a
	// fixed key set per category.
	var chunks [][]Job
	for _, group := range groupByCategory(jobs) {
		for start := 0; start < len(group); start += e.batchSize {
			end := start + e.batchSize
			if end > len(group) {
				end = len(group)
			}
			chunks = append(chunks, group[start:end])
		}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, len(e.clients))
	)
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			listings, fellBack := e.extractChunk(ctx, e.clients[i%len(e.clients)], chunk)
			mu.Lock()
			out.Listings = append(out.Listings, listings...)
			out.BatchesSent++
			if fellBack {
				out.FallbackUsed += len(chunk)
			}
			mu.Unlock()
		}(i, chunk)
	}
	wg.Wait()
	return out
}

// extractChunk sends one sub-batch. Any deviation (error, timeout,
// malformed or empty JSON) fails the whole sub-batch into the
// deterministic fallback; an item is never dropped because AI failed.
func (e *BatchExtractor) extractChunk(ctx context.Context, client completionClient, chunk []Job) ([]models.Listing, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	category := chunk[0].Adapter.Category()
	prompt := buildPrompt(category, chunk)

	resp, err := client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		logrus.Errorf("Extraction sub-batch failed, using fallback: %v", err)
		return fallbackAll(chunk), true
	}
	if len(resp.Choices) == 0 {
		logrus.Error("Extraction returned no choices, using fallback")
		return fallbackAll(chunk), true
	}

	parsed, err := parseResponse(resp.Choices[0].Message.Content)
	if err != nil || len(parsed) == 0 {
		logrus.Errorf("Extraction response unusable (%v), using fallback", err)
		return fallbackAll(chunk), true
	}

	byID := make(map[string]extractedAd, len(parsed))
	for _, ad := range parsed {
		byID[ad.contentID()] = ad
	}

	listings := make([]models.Listing, 0, len(chunk))
	for _, job := range chunk {
		ad, ok := byID[job.Candidate.ContentID]
		if !ok {
			// The service skipped this item; the item still must not be lost.
			listings = append(listings, job.Adapter.Fallback(job.Candidate))
			continue
		}
		listings = append(listings, ad.toListing(job, category))
	}
	return listings, false
}

func fallbackAll(chunk []Job) []models.Listing {
	listings := make([]models.Listing, 0, len(chunk))
	for _, job := range chunk {
		listings = append(listings, job.Adapter.Fallback(job.Candidate))
	}
	return listings
}

func groupByCategory(jobs []Job) map[string][]Job {
	groups := make(map[string][]Job)
	for _, job := range jobs {
		cat := job.Adapter.Category()
		groups[cat] = append(groups[cat], job)
	}
	return groups
}

const systemPrompt = "Si robotski ekstraktor oglasov. Vrni samo čist JSON objekt " +
	`{"ads": [...]}. Vsako polje, ki ga ne najdeš, nastavi na null. Ključev ne izpuščaj.`

func categoryKeys(category string) []string {
	switch category {
	case models.CategoryCar:
		return []string{"content_id", "title", "price", "year", "mileage", "fuel", "transmission", "engine"}
	case models.CategoryProperty:
		return []string{"content_id", "title", "price", "area", "rooms", "type", "location"}
	default:
		return []string{"content_id", "title", "price", "location", "published"}
	}
}

func buildPrompt(category string, chunk []Job) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Izlušči JSON seznam objektov s ključi: %s.\nPodatki:\n",
		strings.Join(categoryKeys(category), ", "))
	for i, job := range chunk {
		fmt.Fprintf(&sb, "OGLAS #%d [ID:%s]: %s\n---\n", i+1, job.Candidate.ContentID, job.Candidate.SnippetText)
	}
	return sb.String()
}

// extractedAd is one object of the service response. Unknown fields are
// explicit nulls per the contract, hence the pointer values.
type extractedAd map[string]*string

func (a extractedAd) contentID() string {
	for _, key := range []string{"content_id", "id", "ID"} {
		if v := a[key]; v != nil {
			return *v
		}
	}
	return ""
}

func (a extractedAd) toListing(job Job, category string) models.Listing {
	listing := models.Listing{
		ContentID: job.Candidate.ContentID,
		Source:    job.Adapter.Source(),
		Category:  category,
		Title:     models.StrOr(a["title"], "Neznano"),
		Price:     models.StrOr(a["price"], "Po dogovoru"),
		Link:      job.Candidate.Link,
		ImageURL:  job.Candidate.ImageURL,
	}
	switch category {
	case models.CategoryCar:
		listing.Details = models.SnippetDetails{Vehicle: &models.VehicleDetails{
			Year:         a["year"],
			Mileage:      a["mileage"],
			Fuel:         a["fuel"],
			Transmission: a["transmission"],
			Engine:       a["engine"],
		}}
	case models.CategoryProperty:
		listing.Details = models.SnippetDetails{Property: &models.PropertyDetails{
			Area:     a["area"],
			Rooms:    a["rooms"],
			Type:     a["type"],
			Location: a["location"],
		}}
	default:
		listing.Details = models.SnippetDetails{Item: &models.ItemDetails{
			Location:  a["location"],
			Published: a["published"],
		}}
	}
	return listing
}

// parseResponse tolerates the model wrapping the list in any single-key
// object, returning it bare, or returning one bare object.
func parseResponse(content string) ([]extractedAd, error) {
	content = strings.TrimSpace(content)

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil {
		for _, raw := range wrapped {
			var list []extractedAd
			if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
				return list, nil
			}
		}
		// A single object response.
		var one extractedAd
		if err := json.Unmarshal([]byte(content), &one); err == nil && one.contentID() != "" {
			return []extractedAd{one}, nil
		}
		return nil, fmt.Errorf("no ad list found in response object")
	}

	var list []extractedAd
	if err := json.Unmarshal([]byte(content), &list); err != nil {
		return nil, fmt.Errorf("malformed extraction response: %w", err)
	}
	return list, nil
}
