package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/opendatalab/catsync/internal/catalog"
	"github.com/opendatalab/catsync/internal/importer"
)

// planDataset describes the desired state of one dataset, keyed by EID.
// Absent fields are left untouched on the remote record; delete requests
// removal of the whole subtree.
type planDataset struct {
	EID       string         `json:"eid"`
	Delete    bool           `json:"delete"`
	Fields    catalog.Record `json:"fields"`
	Resources []planResource `json:"resources"`
}

type planResource struct {
	EID    string         `json:"eid"`
	Delete bool           `json:"delete"`
	Fields catalog.Record `json:"fields"`
	Views  []planView     `json:"views"`
}

type planView struct {
	EID    string         `json:"eid"`
	Delete bool           `json:"delete"`
	Fields catalog.Record `json:"fields"`
}

func loadPlan(path string) ([]planDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plan []planDataset
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("invalid plan file %s: %w", path, err)
	}
	for i, ds := range plan {
		if strings.TrimSpace(ds.EID) == "" {
			return nil, fmt.Errorf("plan file %s: dataset %d has no eid", path, i)
		}
	}
	return plan, nil
}

// applyPlan syncs every dataset in the plan, then optionally deletes
// everything the plan no longer mentions. Errors are collected per dataset
// so one failing subtree does not stop the rest.
func applyPlan(ctx context.Context, imp *importer.Importer, plan []planDataset, onError importer.OnError, deleteUnsynced bool) error {
	var errs []error
	for _, desired := range plan {
		desired := desired
		err := imp.SyncDataset(ctx, desired.EID, onError, func(ds *importer.Dataset) error {
			if desired.Delete {
				ds.Delete()
				return nil
			}
			applyFields(ds.Fields(), desired.Fields)
			if err := applyResources(ctx, ds, desired.Resources, onError, deleteUnsynced); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("dataset %s: %w", desired.EID, err))
		}
	}
	if deleteUnsynced {
		if err := imp.DeleteUnsyncedDatasets(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func applyResources(ctx context.Context, ds *importer.Dataset, resources []planResource, onError importer.OnError, deleteUnsynced bool) error {
	var errs []error
	for _, desired := range resources {
		desired := desired
		err := ds.SyncResource(ctx, desired.EID, onError, func(res *importer.Resource) error {
			if desired.Delete {
				res.Delete()
				return nil
			}
			applyFields(res.Fields(), desired.Fields)
			return applyViews(ctx, res, desired.Views, onError, deleteUnsynced)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("resource %s: %w", desired.EID, err))
		}
	}
	if deleteUnsynced {
		if err := ds.DeleteUnsyncedResources(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func applyViews(ctx context.Context, res *importer.Resource, views []planView, onError importer.OnError, deleteUnsynced bool) error {
	var errs []error
	for _, desired := range views {
		desired := desired
		err := res.SyncView(ctx, desired.EID, onError, func(view *importer.View) error {
			if desired.Delete {
				view.Delete()
				return nil
			}
			applyFields(view.Fields(), desired.Fields)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("view %s: %w", desired.EID, err))
		}
	}
	if deleteUnsynced {
		if err := res.DeleteUnsyncedViews(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyFields copies the plan's fields onto the cached record. Engine-owned
// keys are skipped so a plan file cannot break record ownership.
func applyFields(target, fields catalog.Record) {
	for key, value := range fields {
		switch key {
		case "id", importer.OwnerIDField, importer.DatasetEIDField, importer.ResourceEIDField, importer.ViewsField:
			continue
		}
		target[key] = value
	}
}

func parseOnError(raw string) (importer.OnError, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "reraise":
		return importer.Reraise, nil
	case "keep":
		return importer.Keep, nil
	case "delete":
		return importer.Delete, nil
	default:
		return importer.Reraise, fmt.Errorf("unsupported on-error policy: %s", raw)
	}
}
