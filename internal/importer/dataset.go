package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/opendatalab/catsync/internal/catalog"
)

// Dataset is a dataset whose sync scope is open. The embedded entity exposes
// EID, ID, Fields and Delete.
type Dataset struct {
	entity
	imp *Importer
}

func newDataset(imp *Importer, eid string, rec catalog.Record) *Dataset {
	return &Dataset{entity: newEntity(eid, rec), imp: imp}
}

func (d *Dataset) ent() *entity { return &d.entity }

func (d *Dataset) describe() string {
	return fmt.Sprintf("dataset %s (EID %q)", d.ID(), d.eid)
}

func (d *Dataset) upload(ctx context.Context) error {
	d.imp.logf("uploading %s", d.describe())
	rec, err := d.imp.client.Update(ctx, catalog.KindDataset, d.ID(), d.record)
	if err != nil {
		return err
	}
	d.record.ReplaceWith(rec)
	return nil
}

func (d *Dataset) remove(ctx context.Context) error {
	d.imp.logf("deleting %s", d.describe())
	return d.imp.client.Delete(ctx, catalog.KindDataset, d.ID())
}

// SyncResource opens a sync scope for the resource with the given EID inside
// this dataset. Resources live in the dataset's inline "resources" list; the
// cached resource record aliases its entry there, so a committed resource
// change is folded into the dataset's cached record before the dataset's own
// dirty check runs. A dataset that was clean before the resource scope is
// marked clean again afterwards, so resource commits alone never re-upload
// the dataset.
func (d *Dataset) SyncResource(ctx context.Context, eid string, onError OnError, fn func(*Resource) error) error {
	wasModified := d.isModified()
	res, justCreated, err := d.resolveResource(ctx, eid)
	if err != nil {
		return err
	}
	d.markChildSynced(eid)
	sc := &syncScope{
		target:      res,
		onError:     onError,
		justCreated: justCreated,
		logf:        d.imp.logf,
	}
	closeErr := sc.run(ctx, func() error { return fn(res) })
	if !wasModified {
		d.markUnmodified()
	}
	return closeErr
}

// DeleteUnsyncedResources deletes every resource of this dataset whose EID
// was not synced during this dataset scope. Resources missing their EID
// marker are treated as orphans. Best-effort; failures are returned joined.
func (d *Dataset) DeleteUnsyncedResources(ctx context.Context) error {
	var doomed []*Resource
	for _, entry := range d.inlineResources() {
		rec, ok := catalog.AsRecord(entry)
		if !ok {
			continue
		}
		eid, hasEID := rec.StringField(ResourceEIDField)
		if hasEID && d.childSynced(eid) {
			continue
		}
		doomed = append(doomed, &Resource{entity: newEntity(eid, rec), ds: d})
	}
	var errs []error
	for _, res := range doomed {
		d.imp.logf("deleting unsynced %s", res.describe())
		if err := res.remove(ctx); err != nil {
			d.imp.logf("error deleting unsynced %s: %v", res.describe(), err)
			errs = append(errs, fmt.Errorf("delete resource %s: %w", res.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dataset) resolveResource(ctx context.Context, eid string) (*Resource, bool, error) {
	rec, err := d.findResource(eid)
	if err == nil {
		d.imp.logf("using existing resource %s for EID %q", rec.ID(), eid)
		return &Resource{entity: newEntity(eid, rec), ds: d}, false, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, false, err
	}
	rec, err = d.createResource(ctx, eid)
	if err != nil {
		return nil, false, err
	}
	d.imp.logf("created resource %s for EID %q", rec.ID(), eid)
	return &Resource{entity: newEntity(eid, rec), ds: d}, true, nil
}

// findResource scans the dataset's inline resource list for an exact EID
// match. The returned record aliases the list entry.
func (d *Dataset) findResource(eid string) (catalog.Record, error) {
	var matches []catalog.Record
	for _, entry := range d.inlineResources() {
		rec, ok := catalog.AsRecord(entry)
		if !ok {
			continue
		}
		if recEID, _ := rec.StringField(ResourceEIDField); recEID == eid {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no resource with EID %q in dataset %s: %w", eid, d.ID(), catalog.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, &CollisionError{Kind: catalog.KindResource, OwnerID: d.imp.id, EID: eid}
	}
}

// createResource creates the resource remotely and appends the server's
// record to the dataset's inline list, so the new resource is visible to
// later lookups within this dataset scope.
func (d *Dataset) createResource(ctx context.Context, eid string) (catalog.Record, error) {
	fields := catalog.Record{
		"dataset_id":     d.ID(),
		ResourceEIDField: eid,
	}
	rec, err := d.imp.client.Create(ctx, catalog.KindResource, fields)
	if err != nil {
		return nil, err
	}
	entry := map[string]any(rec)
	d.record["resources"] = append(d.inlineResources(), entry)
	return catalog.Record(entry), nil
}

func (d *Dataset) inlineResources() []any {
	list, _ := d.record["resources"].([]any)
	return list
}

func (d *Dataset) dropInlineResource(id string) {
	inline := d.inlineResources()
	kept := make([]any, 0, len(inline))
	for _, entry := range inline {
		if rec, ok := catalog.AsRecord(entry); ok && rec.ID() == id {
			continue
		}
		kept = append(kept, entry)
	}
	d.record["resources"] = kept
}
