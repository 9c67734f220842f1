// Package profiles resolves user ids to display profiles in one round trip.
package profiles

import (
	"context"
	"sort"
	"time"

	"chat-sync/client/deadline"
	"chat-sync/client/storeerr"
	"chat-sync/logger"
	"chat-sync/models"
)

type Source interface {
	ProfilesByIDs(ctx context.Context, ids []string) ([]models.Profile, error)
}

// Loader batches profile lookups. Ids without a row are absent from the
// result; callers render a placeholder for them.
type Loader struct {
	src     Source
	timeout time.Duration
}

func NewLoader(src Source, timeout time.Duration) *Loader {
	return &Loader{src: src, timeout: timeout}
}

// Load dedupes ids and fetches them with a single set-membership query.
func (l *Loader) Load(ctx context.Context, ids []string) (map[string]models.Profile, error) {
	unique := dedupe(ids)
	out := make(map[string]models.Profile, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	rows, err := deadline.Run(ctx, l.timeout, func(ctx context.Context) ([]models.Profile, error) {
		return l.src.ProfilesByIDs(ctx, unique)
	})
	if err != nil {
		return nil, storeerr.Normalize(err)
	}
	for _, p := range rows {
		out[p.ID] = p
	}

	var missing []string
	for _, id := range unique {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		logger.Debugf("profiles: no profile row for %v", missing)
	}
	return out, nil
}

// Placeholder is shown for ids that have no profile row.
func Placeholder(id string) models.Profile {
	return models.Profile{ID: id, DisplayName: "Unknown user"}
}

// Lookup returns the profile for id or its placeholder.
func Lookup(m map[string]models.Profile, id string) (models.Profile, bool) {
	if p, ok := m[id]; ok {
		return p, true
	}
	return Placeholder(id), false
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
