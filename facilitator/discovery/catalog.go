// Package discovery implements the facilitator's discovery catalog: a
// process-lifetime, mutation-guarded index of resources that have been
// paid for at least once, populated only from the post-settle hook.
package discovery

import (
	"encoding/json"
	"net/url"
	"sort"
	"sync"

	"github.com/x402rail/facilitator/facilitator"
	"github.com/xeipuuv/gojsonschema"
)

// Catalog is a mapping from normalized resource URL to its latest
// discovery record.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]facilitator.DiscoveryRecord
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{records: make(map[string]facilitator.DiscoveryRecord)}
}

// Normalize strips query and fragment from a resource URL, keeping only
// origin + path, so the catalog keys on the resource identity rather than
// per-request query variance.
func Normalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Upsert overwrites the prior record for the same resource.
func (c *Catalog) Upsert(record facilitator.DiscoveryRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.Resource] = record
}

// List returns a page of records sorted by LastUpdated descending, and the
// total count matching typeFilter (before pagination).
func (c *Catalog) List(limit, offset int, typeFilter string) (items []facilitator.DiscoveryRecord, total int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]facilitator.DiscoveryRecord, 0, len(c.records))
	for _, r := range c.records {
		if typeFilter != "" && r.Type != typeFilter {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastUpdated > all[j].LastUpdated })

	total = len(all)
	if offset >= total {
		return []facilitator.DiscoveryRecord{}, total
	}
	end := offset + limit
	if end > total || limit <= 0 {
		end = total
	}
	return all[offset:end], total
}

// ValidateBazaarMetadata checks a bazaar extension's declared info against
// its own declared JSON Schema. A malformed or non-conforming metadata blob
// is not fatal to settlement; the caller decides whether to index it anyway.
func ValidateBazaarMetadata(info, schema interface{}) (valid bool, problems []string) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return false, []string{err.Error()}
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return false, []string{err.Error()}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(infoJSON),
	)
	if err != nil {
		return false, []string{err.Error()}
	}
	if result.Valid() {
		return true, nil
	}
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return false, problems
}
