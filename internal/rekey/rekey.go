package rekey

import (
	"k8s.io/klog/v2"

	"github.com/born-ml/emaclean/internal/pickle"
)

// Stats counts what Apply did.
type Stats struct {
	Kept    int // entries renamed into the result
	Dropped int // entries the mapper rejected
	Skipped int // entries with non-string keys
}

// Total returns the number of input entries.
func (s Stats) Total() int {
	return s.Kept + s.Dropped + s.Skipped
}

// Apply builds a new dict from the entries of m accepted by mapper, in input
// order, under their mapped names. Values are shared, not copied. When two
// names map to the same key, the later entry wins.
func Apply(m pickle.Mapping, mapper Mapper) (*pickle.Dict, Stats) {
	out := pickle.NewDict()
	var stats Stats
	for k, v := range m.All() {
		name, ok := k.(string)
		if !ok {
			stats.Skipped++
			continue
		}
		mapped, ok := mapper.MapName(name)
		if !ok {
			stats.Dropped++
			continue
		}
		if out.Has(mapped) {
			klog.Warningf("rekey: %q maps onto existing key %q, overwriting", name, mapped)
		}
		out.Set(mapped, v)
		stats.Kept++
	}
	klog.V(1).Infof("rekey: %s kept %d of %d entries", mapper, stats.Kept, stats.Total())
	return out, stats
}
