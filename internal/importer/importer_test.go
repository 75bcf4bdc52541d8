package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/opendatalab/catsync/internal/catalog"
	"github.com/opendatalab/catsync/internal/catalogstore"
)

// countingClient counts calls per operation and kind while delegating to the
// wrapped client.
type countingClient struct {
	inner  catalog.Client
	mu     sync.Mutex
	counts map[string]int
}

func newCountingClient(inner catalog.Client) *countingClient {
	return &countingClient{inner: inner, counts: map[string]int{}}
}

func (c *countingClient) bump(op, kind string) {
	c.mu.Lock()
	c.counts[op+" "+kind]++
	c.mu.Unlock()
}

func (c *countingClient) count(op, kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op+" "+kind]
}

func (c *countingClient) Create(ctx context.Context, kind string, fields catalog.Record) (catalog.Record, error) {
	c.bump("create", kind)
	return c.inner.Create(ctx, kind, fields)
}

func (c *countingClient) Update(ctx context.Context, kind, id string, fields catalog.Record) (catalog.Record, error) {
	c.bump("update", kind)
	return c.inner.Update(ctx, kind, id, fields)
}

func (c *countingClient) Delete(ctx context.Context, kind, id string) error {
	c.bump("delete", kind)
	return c.inner.Delete(ctx, kind, id)
}

func (c *countingClient) Show(ctx context.Context, kind, id string) (catalog.Record, error) {
	c.bump("show", kind)
	return c.inner.Show(ctx, kind, id)
}

func (c *countingClient) Search(ctx context.Context, kind string, filters map[string]string, offset, limit int) (catalog.SearchResult, error) {
	c.bump("search", kind)
	return c.inner.Search(ctx, kind, filters, offset, limit)
}

// failingClient fails the next n updates of one kind.
type failingClient struct {
	catalog.Client
	failKind    string
	failUpdates int
}

func (c *failingClient) Update(ctx context.Context, kind, id string, fields catalog.Record) (catalog.Record, error) {
	if kind == c.failKind && c.failUpdates > 0 {
		c.failUpdates--
		return nil, errors.New("simulated update failure")
	}
	return c.Client.Update(ctx, kind, id, fields)
}

func newTestImporter(t *testing.T, id string, client catalog.Client, opts Options) *Importer {
	t.Helper()
	imp, err := New(id, client, opts)
	if err != nil {
		t.Fatalf("new importer failed: %v", err)
	}
	return imp
}

func storeDatasets(t *testing.T, store *catalogstore.Store) []catalog.Record {
	t.Helper()
	result, err := store.Search(context.Background(), catalog.KindDataset, nil, 0, 1000)
	if err != nil {
		t.Fatalf("dataset search failed: %v", err)
	}
	return result.Results
}

func storeViews(t *testing.T, store *catalogstore.Store) []catalog.Record {
	t.Helper()
	result, err := store.Search(context.Background(), catalog.KindView, nil, 0, 1000)
	if err != nil {
		t.Fatalf("view search failed: %v", err)
	}
	return result.Results
}

func TestSyncDatasetCreatesThenNoOp(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	cc := newCountingClient(store)

	sync := func() {
		imp := newTestImporter(t, "imp", cc, Options{})
		err := imp.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error {
			ds.Fields()["title"] = "Population"
			return nil
		})
		if err != nil {
			t.Fatalf("sync failed: %v", err)
		}
	}

	sync()
	datasets := storeDatasets(t, store)
	if len(datasets) != 1 {
		t.Fatalf("expected 1 dataset, got %d", len(datasets))
	}
	rec := datasets[0]
	if title, _ := rec.StringField("title"); title != "Population" {
		t.Fatalf("title not uploaded: %v", rec)
	}
	if owner, _ := rec.StringField(OwnerIDField); owner != "imp" {
		t.Fatalf("missing owner marker: %v", rec)
	}
	if eid, _ := rec.StringField(DatasetEIDField); eid != "e1" {
		t.Fatalf("missing EID marker: %v", rec)
	}
	if name, _ := rec.StringField("name"); name != "catsync_0" {
		t.Fatalf("unexpected generated name %q", name)
	}
	if got := cc.count("update", catalog.KindDataset); got != 1 {
		t.Fatalf("expected 1 upload after create, got %d", got)
	}

	// Same desired state again: nothing changes, nothing is uploaded.
	sync()
	if got := cc.count("create", catalog.KindDataset); got != 1 {
		t.Fatalf("expected no second create, got %d", got)
	}
	if got := cc.count("update", catalog.KindDataset); got != 1 {
		t.Fatalf("expected no upload for unchanged dataset, got %d", got)
	}
}

func TestLocatorIgnoresSubstringOwnerMatches(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()

	// The store search matches substrings, so this record comes back for
	// owner filter "imp" even though it belongs to "imp-2".
	if _, err := store.Create(ctx, catalog.KindDataset, catalog.Record{
		"name":          "other-owner",
		OwnerIDField:    "imp-2",
		DatasetEIDField: "e1",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	imp := newTestImporter(t, "imp", store, Options{})
	if err := imp.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	datasets := storeDatasets(t, store)
	if len(datasets) != 2 {
		t.Fatalf("expected a new dataset for the exact owner, got %d datasets", len(datasets))
	}
}

func TestLocatorIgnoresSubstringEIDMatches(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	imp := newTestImporter(t, "imp", store, Options{})

	if err := imp.SyncDataset(ctx, "a-b", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("sync a-b failed: %v", err)
	}
	if err := imp.SyncDataset(ctx, "a", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("sync a failed: %v", err)
	}
	if got := len(storeDatasets(t, store)); got != 2 {
		t.Fatalf("EID a must not reuse the a-b dataset, got %d datasets", got)
	}

	// Re-syncing a finds its own dataset.
	if err := imp.SyncDataset(ctx, "a", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("re-sync a failed: %v", err)
	}
	if got := len(storeDatasets(t, store)); got != 2 {
		t.Fatalf("expected no third dataset, got %d", got)
	}
}

func TestLocatorPaginatesThroughSearchResults(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()

	// Every EID here substring-matches the filter "e1", so locating e1
	// walks several pages before the exact post-filter picks one record.
	seed := newTestImporter(t, "imp", store, Options{})
	eids := []string{"e1"}
	for i := 10; i < 17; i++ {
		eids = append(eids, fmt.Sprintf("e%d", i))
	}
	for _, eid := range eids {
		if err := seed.SyncDataset(ctx, eid, Reraise, func(ds *Dataset) error { return nil }); err != nil {
			t.Fatalf("seed sync %s failed: %v", eid, err)
		}
	}

	cc := newCountingClient(store)
	imp := newTestImporter(t, "imp", cc, Options{PageSize: 3})
	if err := imp.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("sync e1 failed: %v", err)
	}
	if got := cc.count("create", catalog.KindDataset); got != 0 {
		t.Fatalf("expected e1 to be found across pages, but it was created")
	}
	if got := cc.count("search", catalog.KindDataset); got < 2 {
		t.Fatalf("expected the locator to page through results, got %d searches", got)
	}
	if got := len(storeDatasets(t, store)); got != 8 {
		t.Fatalf("expected 8 datasets, got %d", got)
	}
}

func TestLocatorReportsCollisions(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	for i := 0; i < 2; i++ {
		if _, err := store.Create(ctx, catalog.KindDataset, catalog.Record{
			"name":          fmt.Sprintf("dup-%d", i),
			OwnerIDField:    "imp",
			DatasetEIDField: "dup",
		}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	imp := newTestImporter(t, "imp", store, Options{})
	called := false
	err := imp.SyncDataset(ctx, "dup", Keep, func(ds *Dataset) error {
		called = true
		return nil
	})
	var collision *CollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("expected CollisionError, got %v", err)
	}
	if collision.EID != "dup" || collision.OwnerID != "imp" {
		t.Fatalf("unexpected collision details: %+v", collision)
	}
	if called {
		t.Fatalf("callback must not run when the scope cannot resolve")
	}
}

func TestNamingAllocatorSkipsTakenNames(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	if _, err := store.Create(ctx, catalog.KindDataset, catalog.Record{"name": "catsync_0"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	imp := newTestImporter(t, "imp", store, Options{})
	if err := imp.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	for _, rec := range storeDatasets(t, store) {
		if owner, _ := rec.StringField(OwnerIDField); owner != "imp" {
			continue
		}
		if name, _ := rec.StringField("name"); name != "catsync_1" {
			t.Fatalf("expected allocator to probe catsync_1, got %q", name)
		}
		return
	}
	t.Fatalf("created dataset not found")
}

func TestJustCreatedIsRolledBackOnErrorUnderAllPolicies(t *testing.T) {
	sentinel := errors.New("caller failure")
	for _, policy := range []OnError{Reraise, Keep, Delete} {
		t.Run(policy.String(), func(t *testing.T) {
			ctx := context.Background()
			store := catalogstore.NewStore()
			imp := newTestImporter(t, "imp", store, Options{})

			err := imp.SyncDataset(ctx, "e1", policy, func(ds *Dataset) error {
				ds.Fields()["title"] = "never uploaded"
				return sentinel
			})
			if policy == Reraise {
				if !errors.Is(err, sentinel) {
					t.Fatalf("Reraise must propagate the error, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("%s must swallow the error, got %v", policy, err)
			}
			if got := len(storeDatasets(t, store)); got != 0 {
				t.Fatalf("just-created dataset must be rolled back, got %d datasets", got)
			}
		})
	}
}

func TestExistingDatasetErrorPolicies(t *testing.T) {
	sentinel := errors.New("caller failure")
	cases := []struct {
		policy       OnError
		wantErr      bool
		wantDeleted  bool
		wantUploaded bool
	}{
		{policy: Reraise, wantErr: true},
		{policy: Keep},
		{policy: Delete, wantDeleted: true},
	}
	for _, tc := range cases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			ctx := context.Background()
			store := catalogstore.NewStore()
			seed := newTestImporter(t, "imp", store, Options{})
			if err := seed.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error {
				ds.Fields()["title"] = "original"
				return nil
			}); err != nil {
				t.Fatalf("seed sync failed: %v", err)
			}

			imp := newTestImporter(t, "imp", store, Options{})
			err := imp.SyncDataset(ctx, "e1", tc.policy, func(ds *Dataset) error {
				ds.Fields()["title"] = "changed"
				return sentinel
			})
			if tc.wantErr && !errors.Is(err, sentinel) {
				t.Fatalf("expected propagated error, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected swallowed error, got %v", err)
			}

			datasets := storeDatasets(t, store)
			if tc.wantDeleted {
				if len(datasets) != 0 {
					t.Fatalf("Delete policy must remove the existing dataset")
				}
				return
			}
			if len(datasets) != 1 {
				t.Fatalf("existing dataset must be kept, got %d", len(datasets))
			}
			if title, _ := datasets[0].StringField("title"); title != "original" {
				t.Fatalf("pending changes must not be uploaded, got title %q", title)
			}
		})
	}
}

func TestDeletionWinsOverModification(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	seed := newTestImporter(t, "imp", store, Options{})
	if err := seed.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	cc := newCountingClient(store)
	imp := newTestImporter(t, "imp", cc, Options{})
	if err := imp.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error {
		ds.Fields()["title"] = "dead on arrival"
		ds.Delete()
		return nil
	}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if got := len(storeDatasets(t, store)); got != 0 {
		t.Fatalf("expected dataset deleted, got %d", got)
	}
	if got := cc.count("update", catalog.KindDataset); got != 0 {
		t.Fatalf("deletion must not upload pending changes, got %d updates", got)
	}
}

func TestUploadFailureRollsBackJustCreated(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	client := &failingClient{Client: store, failKind: catalog.KindDataset, failUpdates: 1}

	imp := newTestImporter(t, "imp", client, Options{})
	err := imp.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error {
		ds.Fields()["title"] = "triggers upload"
		return nil
	})
	if err == nil {
		t.Fatalf("expected upload failure to propagate under Reraise")
	}
	if got := len(storeDatasets(t, store)); got != 0 {
		t.Fatalf("just-created dataset must be rolled back after failed upload, got %d", got)
	}
}

func TestUploadFailureKeepsExistingUnderKeep(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	seed := newTestImporter(t, "imp", store, Options{})
	if err := seed.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error {
		ds.Fields()["title"] = "original"
		return nil
	}); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	client := &failingClient{Client: store, failKind: catalog.KindDataset, failUpdates: 1}
	imp := newTestImporter(t, "imp", client, Options{})
	err := imp.SyncDataset(ctx, "e1", Keep, func(ds *Dataset) error {
		ds.Fields()["title"] = "changed"
		return nil
	})
	if err != nil {
		t.Fatalf("Keep must swallow the upload failure, got %v", err)
	}
	datasets := storeDatasets(t, store)
	if len(datasets) != 1 {
		t.Fatalf("existing dataset must survive a failed upload, got %d", len(datasets))
	}
	if title, _ := datasets[0].StringField("title"); title != "original" {
		t.Fatalf("unexpected title after failed upload: %q", title)
	}
}

func TestDeleteUnsyncedDatasets(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	seed := newTestImporter(t, "imp", store, Options{})
	for _, eid := range []string{"a", "b", "c"} {
		if err := seed.SyncDataset(ctx, eid, Reraise, func(ds *Dataset) error { return nil }); err != nil {
			t.Fatalf("seed sync %s failed: %v", eid, err)
		}
	}
	// A record with the owner marker but no EID counts as an orphan.
	if _, err := store.Create(ctx, catalog.KindDataset, catalog.Record{
		"name":       "no-eid",
		OwnerIDField: "imp",
	}); err != nil {
		t.Fatalf("seed orphan failed: %v", err)
	}
	// Another importer's dataset is out of scope.
	other := newTestImporter(t, "other", store, Options{NamePrefix: "other_"})
	if err := other.SyncDataset(ctx, "a", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("other importer sync failed: %v", err)
	}

	imp := newTestImporter(t, "imp", store, Options{})
	if err := imp.SyncDataset(ctx, "b", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("sync b failed: %v", err)
	}
	if err := imp.DeleteUnsyncedDatasets(ctx); err != nil {
		t.Fatalf("delete unsynced failed: %v", err)
	}

	var keptEIDs []string
	for _, rec := range storeDatasets(t, store) {
		owner, _ := rec.StringField(OwnerIDField)
		eid, _ := rec.StringField(DatasetEIDField)
		keptEIDs = append(keptEIDs, owner+":"+eid)
	}
	if len(keptEIDs) != 2 {
		t.Fatalf("expected imp:b and other:a to survive, got %v", keptEIDs)
	}
	for _, kept := range keptEIDs {
		if kept != "imp:b" && kept != "other:a" {
			t.Fatalf("unexpected survivor %q", kept)
		}
	}
}

func TestSyncedEIDSurvivesGCEvenWhenCallbackFails(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	seed := newTestImporter(t, "imp", store, Options{})
	if err := seed.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	imp := newTestImporter(t, "imp", store, Options{})
	if err := imp.SyncDataset(ctx, "e1", Keep, func(ds *Dataset) error {
		return errors.New("partial failure")
	}); err != nil {
		t.Fatalf("Keep should swallow the error, got %v", err)
	}
	if err := imp.DeleteUnsyncedDatasets(ctx); err != nil {
		t.Fatalf("delete unsynced failed: %v", err)
	}
	if got := len(storeDatasets(t, store)); got != 1 {
		t.Fatalf("a failed but synced EID must survive GC, got %d datasets", got)
	}
}

func TestPanicInScopeRollsBackJustCreated(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()
	imp := newTestImporter(t, "imp", store, Options{})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = imp.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error {
			panic("boom")
		})
	}()

	if got := len(storeDatasets(t, store)); got != 0 {
		t.Fatalf("just-created dataset must be rolled back after panic, got %d", got)
	}
}

func TestDistinctImporterIDsDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	store := catalogstore.NewStore()

	impA := newTestImporter(t, "alpha", store, Options{NamePrefix: "alpha_"})
	impB := newTestImporter(t, "beta", store, Options{NamePrefix: "beta_"})
	if err := impA.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("alpha sync failed: %v", err)
	}
	if err := impB.SyncDataset(ctx, "e1", Reraise, func(ds *Dataset) error { return nil }); err != nil {
		t.Fatalf("beta sync failed: %v", err)
	}
	if got := len(storeDatasets(t, store)); got != 2 {
		t.Fatalf("equal EIDs under different importers must map to distinct datasets, got %d", got)
	}

	freshA := newTestImporter(t, "alpha", store, Options{})
	if err := freshA.DeleteUnsyncedDatasets(ctx); err != nil {
		t.Fatalf("alpha GC failed: %v", err)
	}
	datasets := storeDatasets(t, store)
	if len(datasets) != 1 {
		t.Fatalf("alpha GC must only delete alpha's datasets, got %d", len(datasets))
	}
	if owner, _ := datasets[0].StringField(OwnerIDField); owner != "beta" {
		t.Fatalf("expected beta's dataset to survive, got owner %q", owner)
	}
}
