package watcher

import (
	"context"
	"time"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/pds"
	"github.com/chris-pardy/avaast/internal/record"
)

type pollKey struct {
	collection string
	recordKey  string
}

// pollingSource lists each watched collection at a fixed interval and
// diffs against the previous listing's content hashes (spec.md §4.C).
type pollingSource struct {
	pds         *pds.Client
	authorityID string
	collections []record.Collection
	interval    time.Duration
	log         logx.Logger

	seen map[pollKey]string
}

func (p *pollingSource) Name() string { return "polling" }

func (p *pollingSource) Run(ctx context.Context, emit func(Event)) error {
	if p.seen == nil {
		p.seen = map[pollKey]string{}
	}
	if err := p.pollOnce(ctx, emit); err != nil {
		return err
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx, emit); err != nil {
				return err
			}
		}
	}
}

// pollOnce lists every watched collection, diffs against the previous
// listing, and emits create/update/delete accordingly. The first call
// emits create for every record found, since there is no prior "seen"
// state (spec.md §4.C).
func (p *pollingSource) pollOnce(ctx context.Context, emit func(Event)) error {
	current := make(map[pollKey]string, len(p.seen))
	for _, col := range p.collections {
		records, err := p.pds.ListRecords(ctx, p.authorityID, string(col), 100)
		if err != nil {
			return err
		}
		for _, rec := range records {
			key := pollKey{collection: string(col), recordKey: rec.Rkey()}
			current[key] = rec.CID
			prevHash, existed := p.seen[key]
			switch {
			case !existed:
				emit(Event{Op: OpCreate, Collection: key.collection, RecordKey: key.recordKey, AuthorityID: p.authorityID, ContentHash: rec.CID, Body: rec.Value})
			case prevHash != rec.CID:
				emit(Event{Op: OpUpdate, Collection: key.collection, RecordKey: key.recordKey, AuthorityID: p.authorityID, ContentHash: rec.CID, Body: rec.Value})
			}
		}
	}
	for key := range p.seen {
		if _, stillPresent := current[key]; !stillPresent {
			emit(Event{Op: OpDelete, Collection: key.collection, RecordKey: key.recordKey, AuthorityID: p.authorityID})
		}
	}
	p.seen = current
	return nil
}
