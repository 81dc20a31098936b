package adminapi

import (
	"encoding/json"
	"fmt"
	"time"
)

// Page is one decoded admin API response page.
type Page struct {
	Records  []Record
	HasMore  bool
	NextPage string
}

type envelope struct {
	Data       []json.RawMessage `json:"data"`
	HasMore    bool              `json:"has_more"`
	NextPage   *string           `json:"next_page"`
	DailyCosts []dailyCost       `json:"daily_costs"`
}

type dailyCost struct {
	Timestamp Number     `json:"timestamp"`
	LineItems []lineItem `json:"line_items"`
}

type lineItem struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Cost      Number `json:"cost"`
	ProjectID string `json:"project_id"`
}

// bucket is a completions-style data entry. Entries that carry a results
// array are buckets; entries without one are flat records.
type bucket struct {
	CompletionRecord
	Results []json.RawMessage `json:"results"`
}

// DecodePage parses a response body into its records. day stamps every
// record with the UTC day it was requested for.
func DecodePage(body []byte, day time.Time) (Page, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Page{}, fmt.Errorf("adminapi: parsing page: %w", err)
	}

	page := Page{HasMore: env.HasMore}
	if env.NextPage != nil {
		page.NextPage = *env.NextPage
	}

	for i, raw := range env.Data {
		var b bucket
		if err := json.Unmarshal(raw, &b); err != nil {
			return Page{}, fmt.Errorf("adminapi: parsing data[%d]: %w", i, err)
		}
		if b.Results == nil {
			rec := b.CompletionRecord
			rec.Day = day
			page.Records = append(page.Records, &rec)
			continue
		}
		for j, res := range b.Results {
			rec := b.CompletionRecord
			if err := json.Unmarshal(res, &rec); err != nil {
				return Page{}, fmt.Errorf("adminapi: parsing data[%d].results[%d]: %w", i, j, err)
			}
			rec.Day = day
			page.Records = append(page.Records, &rec)
		}
	}

	for _, dc := range env.DailyCosts {
		for _, li := range dc.LineItems {
			name := li.Model
			if name == "" {
				name = li.Name
			}
			page.Records = append(page.Records, &CostRecord{
				Timestamp: dc.Timestamp,
				Name:      name,
				Cost:      li.Cost,
				ProjectID: li.ProjectID,
				Day:       day,
			})
		}
	}

	return page, nil
}
