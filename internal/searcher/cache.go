package searcher

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dshills/openiti-search/pkg/types"
)

// cacheEntry represents a cached search response with expiration time
type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// checkCache returns a copy of a live cached response, or nil.
func (e *Engine) checkCache(req Request) *Response {
	if e.cache == nil {
		return nil
	}
	hash := computeQueryHash(req)
	now := time.Now()

	e.cacheMu.RLock()
	entry, found := e.cache.Get(hash)
	if !found {
		e.cacheMu.RUnlock()
		return nil
	}

	// Check expiry while holding the read lock.
	if now.After(entry.expiresAt) {
		e.cacheMu.RUnlock()

		e.cacheMu.Lock()
		e.cache.Remove(hash)
		e.cacheMu.Unlock()
		return nil
	}

	response := copyResponse(entry.response)
	e.cacheMu.RUnlock()

	return response
}

// storeInCache saves a copy of response under the request hash.
func (e *Engine) storeInCache(req Request, response *Response) {
	if e.cache == nil {
		return
	}
	entry := &cacheEntry{
		response:  copyResponse(response),
		expiresAt: time.Now().Add(e.cacheTTL),
	}

	e.cacheMu.Lock()
	e.cache.Add(computeQueryHash(req), entry)
	e.cacheMu.Unlock()
}

// InvalidateCache drops every cached response. Called after ingestion
// changes the indexes.
func (e *Engine) InvalidateCache() {
	if e.cache == nil {
		return
	}
	e.cacheMu.Lock()
	e.cache.Purge()
	e.cacheMu.Unlock()
}

// CacheLen returns the number of cached responses.
func (e *Engine) CacheLen() int {
	if e.cache == nil {
		return 0
	}
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	return e.cache.Len()
}

// copyResponse creates a deep copy of a Response
func copyResponse(src *Response) *Response {
	if src == nil {
		return nil
	}

	dst := *src
	dst.Warnings = append([]string{}, src.Warnings...)

	dst.Results = make([]types.SearchHit, len(src.Results))
	for i, hit := range src.Results {
		dst.Results[i] = types.SearchHit{
			ChunkID: hit.ChunkID,
			Score:   hit.Score,
			Source:  copySource(hit.Source),
		}
		if hit.Highlight != nil {
			hl := make(map[string][]string, len(hit.Highlight))
			for field, fragments := range hit.Highlight {
				hl[field] = append([]string{}, fragments...)
			}
			dst.Results[i].Highlight = hl
		}
	}

	dst.Facets = make(map[string][]types.FacetBucket, len(src.Facets))
	for name, buckets := range src.Facets {
		dst.Facets[name] = append([]types.FacetBucket{}, buckets...)
	}
	return &dst
}

func copySource(src types.Source) types.Source {
	if src == nil {
		return nil
	}
	dst := make(types.Source, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

// copyValue copies the JSON-shaped values found in sources.
func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string{}, t...)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// computeQueryHash computes a unique hash for a validated search request.
// Filter values are sorted so that their order does not split the cache.
func computeQueryHash(req Request) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	data.WriteString(string(req.Mode))
	data.WriteString("|")
	data.WriteString(string(req.Tier))
	data.WriteString(fmt.Sprintf("|%d|%d", req.Page, req.Size))

	f := req.Filters
	data.WriteString(fmt.Sprintf("|filters:%t", f.PrimaryOnly))
	for _, values := range [][]string{f.Langs, f.Periods, f.Regions, f.Tags, f.VersionLabels} {
		data.WriteString("|")
		data.WriteString(strings.Join(sortedCopy(values), ","))
	}

	// nil and empty lexicon overrides differ: nil uses the configured lexicon.
	for _, terms := range [][]string{req.Variants, req.Expansions} {
		if terms == nil {
			data.WriteString("|-")
			continue
		}
		data.WriteString("|+")
		data.WriteString(strings.Join(terms, ","))
	}

	return sha256.Sum256([]byte(data.String()))
}

func sortedCopy(values []string) []string {
	out := append([]string{}, values...)
	sort.Strings(out)
	return out
}
