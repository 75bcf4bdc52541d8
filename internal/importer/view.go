package importer

import (
	"context"
	"fmt"

	"github.com/opendatalab/catsync/internal/catalog"
)

// View is a view whose sync scope is open. A view that the catalog has never
// seen starts with an empty cached record and no id; remote creation is
// deferred to the commit step, because views require their payload at
// creation time.
type View struct {
	entity
	res *Resource
}

func (v *View) ent() *entity { return &v.entity }

func (v *View) describe() string {
	if id := v.ID(); id != "" {
		return fmt.Sprintf("view %s (EID %q)", id, v.eid)
	}
	return fmt.Sprintf("unsaved view (EID %q)", v.eid)
}

func (v *View) upload(ctx context.Context) error {
	if v.ID() == "" {
		return v.create(ctx)
	}
	v.res.ds.imp.logf("uploading %s", v.describe())
	rec, err := v.res.ds.imp.client.Update(ctx, catalog.KindView, v.ID(), v.record)
	if err != nil {
		return err
	}
	v.record.ReplaceWith(rec)
	return nil
}

// create sends the accumulated fields to the catalog and registers the new
// view id in the owning resource's side table.
func (v *View) create(ctx context.Context) error {
	v.record["resource_id"] = v.res.ID()
	rec, err := v.res.ds.imp.client.Create(ctx, catalog.KindView, v.record)
	if err != nil {
		return err
	}
	v.record.ReplaceWith(rec)
	v.res.ds.imp.logf("created %s", v.describe())
	views, err := v.res.viewsMap()
	if err != nil {
		return err
	}
	views[v.eid] = v.ID()
	return v.res.setViewsMap(views)
}

// remove deletes the remote view and unregisters it from the side table. A
// view that was never created remotely has nothing to delete.
func (v *View) remove(ctx context.Context) error {
	if v.ID() == "" {
		return nil
	}
	if err := v.res.ds.imp.client.Delete(ctx, catalog.KindView, v.ID()); err != nil {
		return err
	}
	views, err := v.res.viewsMap()
	if err != nil {
		return err
	}
	delete(views, v.eid)
	return v.res.setViewsMap(views)
}
