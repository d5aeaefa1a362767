package kvstore

import "context"

// Store is the persisted key-value state shared by the host components.
// Get omits absent keys from the result. Set treats an empty value as a
// removal so callers can clear optional fields in one write.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
	Close() error
}

// splitValues partitions a Set payload into writes and removals.
func splitValues(values map[string]string) (writes map[string]string, removals []string) {
	writes = make(map[string]string, len(values))
	for k, v := range values {
		if k == "" {
			continue
		}
		if v == "" {
			removals = append(removals, k)
			continue
		}
		writes[k] = v
	}
	return writes, removals
}
