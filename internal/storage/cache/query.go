package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/polystore/polystore/internal/query"
)

// cachedDoc pairs a stored document with the id its key carries.
type cachedDoc struct {
	id  string
	doc map[string]any
}

// findDocs resolves a query to decoded documents. Pure equality conjunctions
// over indexed fields intersect membership sets; everything else scans the
// collection prefix. Either way the typed matcher re-checks every candidate,
// so stale set entries can only cost time, never correctness.
func (s *Store) findDocs(ctx context.Context, q query.Query) ([]cachedDoc, error) {
	var (
		ids      []string
		healKeys []string
		err      error
	)
	if terms, ok := s.indexTerms(q); ok {
		ids, healKeys, err = s.idsFromSets(ctx, terms)
	} else {
		ids, err = s.scanIDs(ctx)
	}
	if err != nil {
		return nil, err
	}
	docs, err := s.fetchDocs(ctx, ids, healKeys)
	if err != nil {
		return nil, err
	}
	matched := docs[:0]
	for _, d := range docs {
		if query.Match(q, d.doc) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// indexTerms extracts the equality terms of q when the whole query is a
// conjunction of Eq nodes on indexed fields. Any other shape reports false
// and the caller falls back to a scan.
func (s *Store) indexTerms(q query.Query) ([]query.Eq, bool) {
	if q == nil {
		return nil, false
	}
	indexed := make(map[string]bool)
	for _, f := range s.desc.IndexedFields() {
		indexed[f] = true
	}
	var terms []query.Eq
	var walk func(query.Query) bool
	walk = func(q query.Query) bool {
		switch t := q.(type) {
		case query.Eq:
			if !indexed[t.Field] || t.Value == nil {
				return false
			}
			terms = append(terms, t)
			return true
		case query.And:
			for _, sub := range t.Terms {
				if !walk(sub) {
					return false
				}
			}
			return true
		}
		return false
	}
	if !walk(q) || len(terms) == 0 {
		return nil, false
	}
	return terms, true
}

// idsFromSets intersects the membership sets for each equality term. The
// first set initializes the candidate ids, each further set narrows them;
// SINTER does both in one round trip.
func (s *Store) idsFromSets(ctx context.Context, terms []query.Eq) ([]string, []string, error) {
	keys := make([]string, len(terms))
	for i, t := range terms {
		keys[i] = s.idxKey(t.Field, formatValue(t.Value))
	}
	ids, err := s.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, nil, s.wrap("find", err)
	}
	sort.Strings(ids)
	return ids, keys, nil
}

// scanIDs walks the collection prefix, skipping metadata and index keys.
// Ids sort by creation time because of the UUIDv7 layout, which keeps
// unordered finds deterministic.
func (s *Store) scanIDs(ctx context.Context) ([]string, error) {
	var (
		cursor     uint64
		ids        []string
		docPrefix  = s.desc.Path + ":"
		metaPrefix = s.desc.Path + ":meta:"
		idxPrefix  = s.desc.Path + ":idx:"
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, docPrefix+"*", 256).Result()
		if err != nil {
			return nil, s.wrap("scan", err)
		}
		for _, k := range keys {
			if strings.HasPrefix(k, metaPrefix) || strings.HasPrefix(k, idxPrefix) {
				continue
			}
			ids = append(ids, strings.TrimPrefix(k, docPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// fetchDocs bulk-reads and decodes documents. Expired ids still present in
// the sets named by healKeys are removed from them, the same self-healing a
// read-through miss performs.
func (s *Store) fetchDocs(ctx context.Context, ids []string, healKeys []string) ([]cachedDoc, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrap("fetch", err)
	}

	docs := make([]cachedDoc, 0, len(vals))
	var stale []any
	for i, v := range vals {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(str), &doc); err != nil {
			continue
		}
		docs = append(docs, cachedDoc{id: ids[i], doc: doc})
	}
	if len(stale) > 0 {
		for _, k := range healKeys {
			s.client.SRem(ctx, k, stale...)
		}
	}
	return docs, nil
}

func sortDocs(docs []cachedDoc, field string, desc bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		cmp, ok := query.Compare(docs[i].doc[field], docs[j].doc[field])
		if !ok {
			return false
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}
