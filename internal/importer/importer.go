// Package importer reconciles caller-described entities against a remote
// catalog. Each entity is addressed by a caller-chosen external ID (EID);
// opening a sync scope locates the matching remote record or creates it,
// hands the cached record to a callback for mutation, and on return uploads,
// deletes or skips the record depending on what changed. Entities not synced
// during a run can be garbage-collected afterwards.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opendatalab/catsync/internal/catalog"
)

// Engine-owned field keys on catalog records. Callers must not modify them.
const (
	OwnerIDField     = "catsync_owner_id"
	DatasetEIDField  = "catsync_dataset_eid"
	ResourceEIDField = "catsync_resource_eid"
	ViewsField       = "catsync_views"
)

const (
	DefaultPageSize   = 1000
	DefaultNamePrefix = "catsync_"
)

// Logger is the logging dependency of the engine. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Options tunes an Importer. The zero value picks the defaults.
type Options struct {
	// PageSize is the search page size used by the dataset locator.
	PageSize int
	// NamePrefix is the prefix for generated dataset names.
	NamePrefix string
	// CreateFields are stamped onto every dataset this importer creates,
	// before the generated name and the ownership markers.
	CreateFields catalog.Record
	Logger       Logger
}

// Importer owns a namespace of datasets on the catalog, identified by its
// importer ID. Two importers with different IDs never touch each other's
// records, even for equal EIDs.
type Importer struct {
	id           string
	client       catalog.Client
	pageSize     int
	namePrefix   string
	createFields catalog.Record
	logger       Logger

	syncedDatasetEIDs map[string]struct{}
}

func New(id string, client catalog.Client, opts Options) (*Importer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("importer ID must not be empty")
	}
	if client == nil {
		return nil, errors.New("catalog client must not be nil")
	}
	imp := &Importer{
		id:                id,
		client:            client,
		pageSize:          opts.PageSize,
		namePrefix:        opts.NamePrefix,
		createFields:      opts.CreateFields.Clone(),
		logger:            opts.Logger,
		syncedDatasetEIDs: make(map[string]struct{}),
	}
	if imp.pageSize <= 0 {
		imp.pageSize = DefaultPageSize
	}
	if imp.namePrefix == "" {
		imp.namePrefix = DefaultNamePrefix
	}
	if imp.logger == nil {
		imp.logger = nopLogger{}
	}
	return imp, nil
}

// ID returns the importer ID.
func (imp *Importer) ID() string { return imp.id }

func (imp *Importer) logf(format string, args ...any) {
	imp.logger.Printf("importer %s: %s", imp.id, fmt.Sprintf(format, args...))
}

// SyncDataset opens a sync scope for the dataset with the given EID. The
// dataset is located on the catalog or created if missing, fn mutates its
// cached record, and on return the scope uploads, deletes or skips the
// record. The EID counts as synced from the moment the scope resolves, so a
// later DeleteUnsyncedDatasets keeps the dataset even if fn failed.
func (imp *Importer) SyncDataset(ctx context.Context, eid string, onError OnError, fn func(*Dataset) error) error {
	ds, justCreated, err := imp.resolveDataset(ctx, eid)
	if err != nil {
		return err
	}
	imp.syncedDatasetEIDs[eid] = struct{}{}
	sc := &syncScope{
		target:      ds,
		onError:     onError,
		justCreated: justCreated,
		logf:        imp.logf,
	}
	return sc.run(ctx, func() error { return fn(ds) })
}

// DeleteUnsyncedDatasets deletes every dataset of this importer whose EID was
// not synced since the importer was constructed. Datasets missing their EID
// marker are treated as orphans and deleted as well. Deletion is
// best-effort; individual failures are collected and returned joined.
func (imp *Importer) DeleteUnsyncedDatasets(ctx context.Context) error {
	records, err := imp.searchOwnedDatasets(ctx, "", false, 0)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range records {
		eid, hasEID := rec.StringField(DatasetEIDField)
		if hasEID {
			if _, synced := imp.syncedDatasetEIDs[eid]; synced {
				continue
			}
		}
		imp.logf("deleting unsynced dataset %s (EID %q)", rec.ID(), eid)
		if err := imp.client.Delete(ctx, catalog.KindDataset, rec.ID()); err != nil {
			imp.logf("error deleting unsynced dataset %s: %v", rec.ID(), err)
			errs = append(errs, fmt.Errorf("delete dataset %s: %w", rec.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (imp *Importer) resolveDataset(ctx context.Context, eid string) (*Dataset, bool, error) {
	rec, err := imp.findDataset(ctx, eid)
	if err == nil {
		imp.logf("using existing dataset %s for EID %q", rec.ID(), eid)
		return newDataset(imp, eid, rec), false, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, false, err
	}
	rec, err = imp.createDataset(ctx, eid)
	if err != nil {
		return nil, false, err
	}
	imp.logf("created dataset %s for EID %q", rec.ID(), eid)
	return newDataset(imp, eid, rec), true, nil
}

// findDataset locates the single dataset with the given EID. The search
// backend matches substrings, so results are post-filtered for exact
// owner/EID equality. More than one exact match is a CollisionError.
func (imp *Importer) findDataset(ctx context.Context, eid string) (catalog.Record, error) {
	matches, err := imp.searchOwnedDatasets(ctx, eid, true, 2)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no dataset with EID %q for importer %q: %w", eid, imp.id, catalog.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, &CollisionError{Kind: catalog.KindDataset, OwnerID: imp.id, EID: eid}
	}
}

// searchOwnedDatasets pages through the catalog search until the reported
// total is exhausted, keeping only records whose ownership fields match
// exactly. max > 0 stops early once that many matches are collected.
func (imp *Importer) searchOwnedDatasets(ctx context.Context, eid string, withEID bool, max int) ([]catalog.Record, error) {
	filters := map[string]string{OwnerIDField: imp.id}
	if withEID {
		filters[DatasetEIDField] = eid
	}
	var out []catalog.Record
	offset := 0
	for {
		page, err := imp.client.Search(ctx, catalog.KindDataset, filters, offset, imp.pageSize)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Results {
			owner, _ := rec.StringField(OwnerIDField)
			if owner != imp.id {
				continue
			}
			if withEID {
				recEID, _ := rec.StringField(DatasetEIDField)
				if recEID != eid {
					continue
				}
			}
			out = append(out, rec)
			if max > 0 && len(out) >= max {
				return out, nil
			}
		}
		offset += len(page.Results)
		if len(page.Results) == 0 || offset >= page.Total {
			return out, nil
		}
	}
}

// createDataset creates a dataset with a generated name. Name collisions
// surface as a ValidationError on the "name" field; the allocator then
// probes the next candidate. Any other error aborts.
func (imp *Importer) createDataset(ctx context.Context, eid string) (catalog.Record, error) {
	for i := 0; ; i++ {
		fields := imp.createFields.Clone()
		if fields == nil {
			fields = catalog.Record{}
		}
		fields["name"] = fmt.Sprintf("%s%d", imp.namePrefix, i)
		fields[OwnerIDField] = imp.id
		fields[DatasetEIDField] = eid
		rec, err := imp.client.Create(ctx, catalog.KindDataset, fields)
		if err != nil {
			var ve *catalog.ValidationError
			if errors.As(err, &ve) {
				if _, taken := ve.Fields["name"]; taken {
					continue
				}
			}
			return nil, err
		}
		return rec, nil
	}
}
