package importer

import "github.com/opendatalab/catsync/internal/catalog"

// entity is the state shared by datasets, resources and views while their
// sync scope is open: the external ID, the cached remote record, a snapshot
// taken for dirty tracking, the deletion flag, and the set of child EIDs
// synced inside this scope.
type entity struct {
	eid             string
	record          catalog.Record
	original        catalog.Record
	toBeDeleted     bool
	syncedChildEIDs map[string]struct{}
}

func newEntity(eid string, record catalog.Record) entity {
	e := entity{
		eid:             eid,
		record:          record,
		syncedChildEIDs: make(map[string]struct{}),
	}
	e.markUnmodified()
	return e
}

// EID returns the caller-supplied external ID of the entity.
func (e *entity) EID() string { return e.eid }

// ID returns the server-assigned id of the cached record, or "" for a record
// that has not been created remotely yet.
func (e *entity) ID() string { return e.record.ID() }

// Fields returns the cached remote record. Mutations made through it are
// picked up by dirty tracking when the scope closes.
func (e *entity) Fields() catalog.Record { return e.record }

// Delete requests deletion of the remote record when the scope closes.
// Deletion takes precedence over any pending field changes.
func (e *entity) Delete() { e.toBeDeleted = true }

func (e *entity) isModified() bool {
	return !e.record.Equal(e.original)
}

func (e *entity) markUnmodified() {
	e.original = e.record.Clone()
}

func (e *entity) markChildSynced(eid string) {
	e.syncedChildEIDs[eid] = struct{}{}
}

func (e *entity) childSynced(eid string) bool {
	_, ok := e.syncedChildEIDs[eid]
	return ok
}
