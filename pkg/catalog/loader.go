package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Result is a loaded catalog.
type Result struct {
	// Models are the validated descriptors in manifest name order.
	Models []Descriptor

	// Rejected lists every excluded entry with its reasons.
	Rejected []Rejection
}

// LoadAvailableModels reads and validates every manifest of src. Invalid
// entries are excluded and reported in [Result.Rejected]; only a failure to
// enumerate src is returned as an error.
func LoadAvailableModels(ctx context.Context, src Source) (*Result, error) {
	manifests, err := src.Manifests(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })

	res := &Result{}
	seen := make(map[string]string, len(manifests))
	for _, m := range manifests {
		if prev, dup := seen[m.ID()]; dup {
			res.Rejected = append(res.Rejected, Rejection{
				Entry: m.Name,
				Err: &ValidationError{
					Entry:  m.Name,
					Field:  "id",
					Reason: fmt.Sprintf("duplicate model id %q, already defined by %s", m.ID(), prev),
				},
			})
			continue
		}
		seen[m.ID()] = m.Name

		d, err := parseManifest(m)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Entry: m.Name, Err: err})
			continue
		}
		res.Models = append(res.Models, d)
	}
	return res, nil
}

// Get returns the descriptor with the given id.
func (r *Result) Get(id string) (Descriptor, bool) {
	for _, d := range r.Models {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Select returns the model with the given id. When id is empty or unknown it
// falls back to the first available model and reports exact=false. ok is
// false only when the catalog has no models.
func (r *Result) Select(id string) (d Descriptor, exact, ok bool) {
	if d, found := r.Get(id); found {
		return d, true, true
	}
	if len(r.Models) == 0 {
		return Descriptor{}, false, false
	}
	return r.Models[0], false, true
}

// Cache loads a catalog once and serves the memoised result until
// [Cache.Invalidate] is called. It is safe for concurrent use.
type Cache struct {
	src Source

	mu  sync.Mutex
	res *Result
}

// NewCache returns a cache over src.
func NewCache(src Source) *Cache {
	return &Cache{src: src}
}

// Load returns the cached result, loading it on first use. Failed loads are
// not cached.
func (c *Cache) Load(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res != nil {
		return c.res, nil
	}
	res, err := LoadAvailableModels(ctx, c.src)
	if err != nil {
		return nil, err
	}
	c.res = res
	return res, nil
}

// Invalidate drops the cached result so the next Load re-reads the source.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.res = nil
	c.mu.Unlock()
}
