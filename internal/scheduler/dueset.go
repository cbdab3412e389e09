package scheduler

import (
	"sort"
	"time"

	"listing-radar-go/internal/models"
)

// dueSlack absorbs tick-boundary jitter: a search whose interval elapses
// a few seconds after the tick fires would otherwise always slip one
// full tick behind.
const dueSlack = 12 * time.Second

// nightStart and nightEnd bound the reduced-frequency window, local time.
const (
	nightStartHour = 0
	nightEndHour   = 7
)

// DueSearch is one search the current tick must fetch.
type DueSearch struct {
	SearchID  uint
	URL       string
	Source    string
	FirstScan bool
}

// NightPolicy holds the slowed night-window intervals per tier class.
type NightPolicy struct {
	UltraMin int
	OtherMin int
}

// ComputeDue decides which searches the tick at "now" must scan. Pure
// function over the tracking projection so the policy is testable
// without a database.
//
// Rules, in order:
//   - Frozen searches never scan.
//   - Each subscriber drives at most MaxSearches searches; extra
//     subscriptions (ranked by link time, oldest first) are over quota
//     and do not keep a search alive.
//   - A search's interval is the fastest effective interval among its
//     in-quota subscribers. At night the tier's night interval replaces
//     the configured one.
//   - Never-scanned searches are due immediately; the rest are due when
//     the interval since the last successful scan has elapsed, minus
//     the slack.
func ComputeDue(rows []models.TrackingRow, lastScan map[uint]time.Time, now time.Time, night NightPolicy) []DueSearch {
	inQuota := quotaFilter(rows)

	type searchAgg struct {
		row      models.TrackingRow
		interval time.Duration
	}
	bySearch := make(map[uint]*searchAgg)
	for _, row := range inQuota {
		if row.ScanState == models.ScanStateFrozen {
			continue
		}
		interval := effectiveInterval(row, now, night)
		agg, ok := bySearch[row.SearchID]
		if !ok {
			bySearch[row.SearchID] = &searchAgg{row: row, interval: interval}
			continue
		}
		if interval < agg.interval {
			agg.interval = interval
		}
	}

	var due []DueSearch
	for id, agg := range bySearch {
		if agg.row.ScanState == models.ScanStateNeverScanned {
			due = append(due, DueSearch{
				SearchID:  id,
				URL:       agg.row.URL,
				Source:    agg.row.Source,
				FirstScan: true,
			})
			continue
		}
		last, ok := lastScan[id]
		if !ok {
			// Scanned before by state, but the log was pruned; treat as due.
			due = append(due, DueSearch{SearchID: id, URL: agg.row.URL, Source: agg.row.Source})
			continue
		}
		if now.Sub(last) >= agg.interval-dueSlack {
			due = append(due, DueSearch{SearchID: id, URL: agg.row.URL, Source: agg.row.Source})
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].SearchID < due[j].SearchID })
	return due
}

// quotaFilter keeps, per subscriber, only the oldest MaxSearches links.
func quotaFilter(rows []models.TrackingRow) []models.TrackingRow {
	bySub := make(map[uint][]models.TrackingRow)
	for _, row := range rows {
		bySub[row.SubscriberID] = append(bySub[row.SubscriberID], row)
	}

	var kept []models.TrackingRow
	for _, links := range bySub {
		sort.Slice(links, func(i, j int) bool {
			if links[i].LinkedAt.Equal(links[j].LinkedAt) {
				return links[i].SearchID < links[j].SearchID
			}
			return links[i].LinkedAt.Before(links[j].LinkedAt)
		})
		limit := links[0].MaxSearches
		if limit > len(links) {
			limit = len(links)
		}
		kept = append(kept, links[:limit]...)
	}
	return kept
}

func effectiveInterval(row models.TrackingRow, now time.Time, night NightPolicy) time.Duration {
	minutes := row.ScanIntervalMin
	if isNight(now) {
		// The night interval replaces the tier interval outright, in both
		// directions.
		if row.Tier == models.TierUltra {
			minutes = night.UltraMin
		} else {
			minutes = night.OtherMin
		}
	}
	return time.Duration(minutes) * time.Minute
}

func isNight(now time.Time) bool {
	h := now.Hour()
	return h >= nightStartHour && h < nightEndHour
}
