package device

import (
	"sort"

	"s7gate/s7"
)

// Grouper packs variables into contiguous, size-bounded requests.
type Grouper struct {
	source    DriverSource
	maxLength int
}

// NewGrouper creates a grouper building requests against source.
// A non-positive maxLength selects DefaultMaxRequestLength.
func NewGrouper(source DriverSource, maxLength int) *Grouper {
	if maxLength <= 0 {
		maxLength = DefaultMaxRequestLength
	}
	return &Grouper{source: source, maxLength: maxLength}
}

// MaxLength returns the request length bound.
func (g *Grouper) MaxLength() int { return g.maxLength }

type bucketKey struct {
	area     s7.Area
	dbNumber int
	write    bool
}

// less orders buckets by area, then DB number, then writes before reads.
func (k bucketKey) less(o bucketKey) bool {
	if k.area != o.area {
		return k.area < o.area
	}
	if k.dbNumber != o.dbNumber {
		return k.dbNumber < o.dbNumber
	}
	return k.write && !o.write
}

// ConvertVariablesToRequests partitions vars by (area, DB, direction), sorts
// each bucket by offset and greedily cuts it into maximal contiguous runs.
// A gap always starts a new request, even if a later variable would close it.
func (g *Grouper) ConvertVariablesToRequests(vars []*Variable) ([]*Request, error) {
	buckets := make(map[bucketKey][]*Variable)
	for _, v := range vars {
		key := bucketKey{area: v.Area(), write: v.Write()}
		if key.area == s7.AreaDB {
			key.dbNumber = v.DBNumber()
		}
		buckets[key] = append(buckets[key], v)
	}

	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	var requests []*Request
	for _, key := range keys {
		bucket := buckets[key]
		sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].Offset() < bucket[j].Offset() })

		var current *Request
		for _, v := range bucket {
			if current != nil && current.CanAdd(v) {
				if err := current.AddVariable(v); err != nil {
					return nil, err
				}
				continue
			}
			req, err := NewRequest(g.source, key.area, key.dbNumber, key.write, g.maxLength)
			if err != nil {
				return nil, err
			}
			if err := req.AddVariable(v); err != nil {
				return nil, err
			}
			requests = append(requests, req)
			current = req
		}
	}
	return requests, nil
}

// ConvertRequestsToIDValuePair flattens the variables of requests into an
// id-keyed map.
func (g *Grouper) ConvertRequestsToIDValuePair(requests []*Request) map[string]*Variable {
	out := make(map[string]*Variable)
	for _, r := range requests {
		for _, v := range r.Variables() {
			out[v.ID()] = v
		}
	}
	return out
}
