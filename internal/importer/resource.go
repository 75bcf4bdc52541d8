package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/opendatalab/catsync/internal/catalog"
)

// Resource is a resource whose sync scope is open. Its cached record aliases
// the matching entry in the owning dataset's inline "resources" list.
type Resource struct {
	entity
	ds *Dataset
}

func (r *Resource) ent() *entity { return &r.entity }

func (r *Resource) describe() string {
	return fmt.Sprintf("resource %s (EID %q)", r.ID(), r.eid)
}

func (r *Resource) upload(ctx context.Context) error {
	r.ds.imp.logf("uploading %s", r.describe())
	rec, err := r.ds.imp.client.Update(ctx, catalog.KindResource, r.ID(), r.record)
	if err != nil {
		return err
	}
	r.record.ReplaceWith(rec)
	return nil
}

func (r *Resource) remove(ctx context.Context) error {
	r.ds.imp.logf("deleting %s", r.describe())
	if err := r.ds.imp.client.Delete(ctx, catalog.KindResource, r.ID()); err != nil {
		return err
	}
	r.ds.dropInlineResource(r.ID())
	return nil
}

// SyncView opens a sync scope for the view with the given EID on this
// resource. Views cannot carry engine fields (their schema is closed), so
// the EID-to-id mapping lives in a JSON side table stored in the owning
// resource's record. Registering or unregistering a view therefore dirties
// the resource, and the mapping only becomes durable when the resource scope
// itself commits: a view created here is lost to later runs if the resource
// upload never happens.
func (r *Resource) SyncView(ctx context.Context, eid string, onError OnError, fn func(*View) error) error {
	view, justCreated, err := r.resolveView(ctx, eid)
	if err != nil {
		return err
	}
	r.markChildSynced(eid)
	sc := &syncScope{
		target:      view,
		onError:     onError,
		justCreated: justCreated,
		logf:        r.ds.imp.logf,
	}
	return sc.run(ctx, func() error { return fn(view) })
}

// DeleteUnsyncedViews deletes every view in this resource's side table whose
// EID was not synced during this resource scope. Best-effort; failures are
// returned joined.
func (r *Resource) DeleteUnsyncedViews(ctx context.Context) error {
	views, err := r.viewsMap()
	if err != nil {
		return err
	}
	eids := make([]string, 0, len(views))
	for eid := range views {
		if r.childSynced(eid) {
			continue
		}
		eids = append(eids, eid)
	}
	sort.Strings(eids)
	var errs []error
	for _, eid := range eids {
		view := &View{entity: newEntity(eid, catalog.Record{"id": views[eid]}), res: r}
		r.ds.imp.logf("deleting unsynced %s", view.describe())
		if err := view.remove(ctx); err != nil {
			r.ds.imp.logf("error deleting unsynced %s: %v", view.describe(), err)
			errs = append(errs, fmt.Errorf("delete view %s: %w", view.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Resource) resolveView(ctx context.Context, eid string) (*View, bool, error) {
	views, err := r.viewsMap()
	if err != nil {
		return nil, false, err
	}
	if id, ok := views[eid]; ok {
		rec, err := r.ds.imp.client.Show(ctx, catalog.KindView, id)
		if err == nil {
			r.ds.imp.logf("using existing view %s for EID %q", rec.ID(), eid)
			return &View{entity: newEntity(eid, rec), res: r}, false, nil
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return nil, false, err
		}
		// Stale side table entry: the view is gone, recreate it.
	}
	view := &View{entity: newEntity(eid, catalog.Record{}), res: r}
	r.ds.imp.logf("creating view for EID %q on resource %s", eid, r.ID())
	return view, true, nil
}

// viewsMap decodes the side table mapping view EIDs to view ids.
func (r *Resource) viewsMap() (map[string]string, error) {
	raw, ok := r.record.StringField(ViewsField)
	if !ok || raw == "" {
		return map[string]string{}, nil
	}
	var views map[string]string
	if err := json.Unmarshal([]byte(raw), &views); err != nil {
		return nil, fmt.Errorf("corrupt views table on resource %s: %w", r.ID(), err)
	}
	return views, nil
}

func (r *Resource) setViewsMap(views map[string]string) error {
	data, err := json.Marshal(views)
	if err != nil {
		return err
	}
	r.record[ViewsField] = string(data)
	return nil
}
