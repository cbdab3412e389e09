// Command canonicalize prints the canonical form, source and dedup hash
// of a pasted search URL. Handy when debugging why two subscribers did
// or did not end up sharing a tracked-search row.
package main

import (
	"fmt"
	"log"
	"os"

	"listing-radar-go/internal/sources"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: canonicalize <search-url>")
	}
	rawURL := os.Args[1]

	registry := sources.DefaultRegistry()
	adapter, err := registry.Detect(rawURL)
	if err != nil {
		log.Fatalf("no adapter: %v", err)
	}

	canonical, err := adapter.Canonicalize(rawURL)
	if err != nil {
		log.Fatalf("canonicalization failed: %v", err)
	}

	fmt.Printf("source:    %s\n", adapter.Source())
	fmt.Printf("canonical: %s\n", canonical)
	fmt.Printf("hash:      %s\n", sources.HashURL(canonical))
	fmt.Printf("page 2:    %s\n", adapter.PageURL(canonical, 2))
}
