package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chris-pardy/avaast/internal/query"
	"github.com/chris-pardy/avaast/internal/store"
)

const (
	suffixUpdates = ":updates"
	suffixDeletes = ":deletes"
)

// RoutingRegistry is the Registry of spec.md §4.I: collections ending in
// ":updates" or ":deletes" route to the Change Log; everything else routes
// to Live.
type RoutingRegistry struct {
	Live      DataSource
	ChangeLog *store.Store
}

// Resolve implements Registry.
func (r *RoutingRegistry) Resolve(collection string) (DataSource, string, bool) {
	if base, evt, ok := splitHistorySuffix(collection); ok {
		if r.ChangeLog == nil {
			return nil, "", false
		}
		return &changeLogSource{store: r.ChangeLog, eventType: evt}, base, true
	}
	if r.Live == nil {
		return nil, "", false
	}
	return r.Live, collection, true
}

func splitHistorySuffix(collection string) (base string, evt store.ChangeEventType, ok bool) {
	if strings.HasSuffix(collection, suffixUpdates) {
		return strings.TrimSuffix(collection, suffixUpdates), store.ChangeEventUpdate, true
	}
	if strings.HasSuffix(collection, suffixDeletes) {
		return strings.TrimSuffix(collection, suffixDeletes), store.ChangeEventDelete, true
	}
	return "", "", false
}

// changeLogSource adapts the Change Log into a DataSource, attaching the
// reserved synthetic fields spec.md §4.I requires of history-suffixed rows.
type changeLogSource struct {
	store     *store.Store
	eventType store.ChangeEventType
}

func (c *changeLogSource) Fetch(ctx context.Context, source query.Source, params map[string]string) ([]map[string]any, error) {
	filter := store.ChangeLogFilter{Collection: source.Collection, EventType: c.eventType}
	if source.AuthorityID != nil {
		filter.AuthorityID = *source.AuthorityID
	}
	entries, err := c.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		row := map[string]any{}
		if len(e.BodyJSON) > 0 {
			var body map[string]any
			if err := json.Unmarshal(e.BodyJSON, &body); err == nil {
				for k, v := range body {
					row[k] = v
				}
			}
		}
		row["_rkey"] = e.RecordKey
		row["_authorityId"] = e.AuthorityID
		row["_eventType"] = string(e.EventType)
		row["_createdAt"] = e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00")
		out = append(out, row)
	}
	return out, nil
}
