// Package catalogstore is an in-process implementation of the catalog API.
// It backs the catsyncd server and doubles as a local catalog.Client for
// tests and dry runs, the way a local API binding would.
package catalogstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opendatalab/catsync/internal/catalog"
)

// Logger is the minimal logging interface the store needs.
type Logger interface {
	Printf(format string, args ...any)
}

type storeSnapshot struct {
	Records  map[string]map[string]catalog.Record `json:"records"`
	IDSeq    map[string]int64                     `json:"idSeq"`
	EventSeq int64                                `json:"eventSeq"`
}

// SnapshotBackend persists the store's state between runs.
type SnapshotBackend interface {
	Load() (*storeSnapshot, error)
	Save(*storeSnapshot) error
}

type StoreOptions struct {
	Backend SnapshotBackend
	Logger  Logger
}

// Store holds catalog records per kind and implements catalog.Client.
//
// Search matches filter values by substring, the way a tokenized text index
// would: searching for owner "x" also returns owner "x-y". Callers that need
// exact matches must post-filter.
//
// A dataset's "resources" field is derived state owned by the store; values
// submitted for it on dataset update are ignored.
type Store struct {
	mu        sync.Mutex
	records   map[string]map[string]catalog.Record
	names     map[string]string
	idSeq     map[string]int64
	events    []catalog.Event
	eventSeq  int64
	backend   SnapshotBackend
	logger    Logger
	validator *recordValidator

	subMu       sync.Mutex
	subscribers map[chan catalog.Event]struct{}
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	s := &Store{
		records:     map[string]map[string]catalog.Record{},
		names:       map[string]string{},
		idSeq:       map[string]int64{},
		backend:     opts.Backend,
		logger:      opts.Logger,
		validator:   newRecordValidator(),
		subscribers: map[chan catalog.Event]struct{}{},
	}
	if s.backend != nil {
		snapshot, err := s.backend.Load()
		if err != nil {
			s.logf("failed to load store snapshot: %v", err)
		} else if snapshot != nil {
			s.restore(snapshot)
		}
	}
	return s
}

func (s *Store) restore(snapshot *storeSnapshot) {
	if snapshot.Records != nil {
		s.records = snapshot.Records
	}
	if snapshot.IDSeq != nil {
		s.idSeq = snapshot.IDSeq
	}
	s.eventSeq = snapshot.EventSeq
	for id, rec := range s.records[catalog.KindDataset] {
		if name, ok := rec.StringField("name"); ok && name != "" {
			s.names[name] = id
		}
	}
}

func (s *Store) Create(ctx context.Context, kind string, fields catalog.Record) (catalog.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := fields.Clone()
	if rec == nil {
		rec = catalog.Record{}
	}
	delete(rec, "id")

	switch kind {
	case catalog.KindDataset:
		delete(rec, "resources")
		rec["resources"] = []any{}
	case catalog.KindResource:
		datasetID, _ := rec.StringField("dataset_id")
		if _, ok := s.lookup(catalog.KindDataset, datasetID); !ok {
			return nil, &catalog.NotFoundError{Kind: catalog.KindDataset, ID: datasetID}
		}
	case catalog.KindView:
		resourceID, _ := rec.StringField("resource_id")
		if _, ok := s.lookup(catalog.KindResource, resourceID); !ok {
			return nil, &catalog.NotFoundError{Kind: catalog.KindResource, ID: resourceID}
		}
	default:
		return nil, fmt.Errorf("%w: unknown record kind %q", catalog.ErrInvalidInput, kind)
	}

	if err := s.validator.validate(kind, rec); err != nil {
		return nil, err
	}
	if kind == catalog.KindDataset {
		name, _ := rec.StringField("name")
		if _, taken := s.names[name]; taken {
			return nil, &catalog.ValidationError{
				Kind:   kind,
				Fields: map[string][]string{"name": {"name is already in use"}},
			}
		}
	}

	s.idSeq[kind]++
	id := fmt.Sprintf("%s_%d", kind, s.idSeq[kind])
	rec["id"] = id

	table := s.records[kind]
	if table == nil {
		table = map[string]catalog.Record{}
		s.records[kind] = table
	}
	table[id] = rec

	switch kind {
	case catalog.KindDataset:
		name, _ := rec.StringField("name")
		s.names[name] = id
	case catalog.KindResource:
		datasetID, _ := rec.StringField("dataset_id")
		s.appendInlineResource(datasetID, rec)
	}

	s.appendEvent(catalog.EventRecordCreated, kind, id)
	s.persist()
	return rec.Clone(), nil
}

func (s *Store) Update(ctx context.Context, kind, id string, fields catalog.Record) (catalog.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.lookup(kind, id)
	if !ok {
		return nil, &catalog.NotFoundError{Kind: kind, ID: id}
	}

	rec := fields.Clone()
	if rec == nil {
		rec = catalog.Record{}
	}
	rec["id"] = id

	switch kind {
	case catalog.KindDataset:
		delete(rec, "resources")
		rec["resources"] = cloneInlineResources(existing)
	case catalog.KindResource:
		if err := requireUnchanged(kind, "dataset_id", existing, rec); err != nil {
			return nil, err
		}
	case catalog.KindView:
		if err := requireUnchanged(kind, "resource_id", existing, rec); err != nil {
			return nil, err
		}
		if err := requireUnchanged(kind, "view_type", existing, rec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown record kind %q", catalog.ErrInvalidInput, kind)
	}

	if err := s.validator.validate(kind, rec); err != nil {
		return nil, err
	}
	if kind == catalog.KindDataset {
		name, _ := rec.StringField("name")
		if owner, taken := s.names[name]; taken && owner != id {
			return nil, &catalog.ValidationError{
				Kind:   kind,
				Fields: map[string][]string{"name": {"name is already in use"}},
			}
		}
		oldName, _ := existing.StringField("name")
		if oldName != name {
			delete(s.names, oldName)
			s.names[name] = id
		}
	}

	s.records[kind][id] = rec
	if kind == catalog.KindResource {
		datasetID, _ := rec.StringField("dataset_id")
		s.replaceInlineResource(datasetID, rec)
	}

	s.appendEvent(catalog.EventRecordUpdated, kind, id)
	s.persist()
	return rec.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(kind, id)
	if !ok {
		return &catalog.NotFoundError{Kind: kind, ID: id}
	}

	switch kind {
	case catalog.KindDataset:
		for resourceID, resource := range s.records[catalog.KindResource] {
			if datasetID, _ := resource.StringField("dataset_id"); datasetID == id {
				s.deleteViewsOfResource(resourceID)
				delete(s.records[catalog.KindResource], resourceID)
				s.appendEvent(catalog.EventRecordDeleted, catalog.KindResource, resourceID)
			}
		}
		if name, ok := rec.StringField("name"); ok {
			delete(s.names, name)
		}
	case catalog.KindResource:
		s.deleteViewsOfResource(id)
		datasetID, _ := rec.StringField("dataset_id")
		s.removeInlineResource(datasetID, id)
	}

	delete(s.records[kind], id)
	s.appendEvent(catalog.EventRecordDeleted, kind, id)
	s.persist()
	return nil
}

func (s *Store) Show(ctx context.Context, kind, id string) (catalog.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(kind, id)
	if !ok {
		return nil, &catalog.NotFoundError{Kind: kind, ID: id}
	}
	return rec.Clone(), nil
}

func (s *Store) Search(ctx context.Context, kind string, filters map[string]string, offset, limit int) (catalog.SearchResult, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	ids := make([]string, 0, len(s.records[kind]))
	for id, rec := range s.records[kind] {
		if matchesFilters(rec, filters) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	result := catalog.SearchResult{Total: len(ids), Results: []catalog.Record{}}
	for i := offset; i < len(ids) && i < offset+limit; i++ {
		result.Results = append(result.Results, s.records[kind][ids[i]].Clone())
	}
	return result, nil
}

// matchesFilters applies the store's inexact text matching: a record matches
// when every filter value occurs as a substring of the stringified field.
func matchesFilters(rec catalog.Record, filters map[string]string) bool {
	for key, want := range filters {
		value, ok := rec[key]
		if !ok {
			return false
		}
		text, isString := value.(string)
		if !isString {
			text = fmt.Sprintf("%v", value)
		}
		if !strings.Contains(text, want) {
			return false
		}
	}
	return true
}

func requireUnchanged(kind, field string, existing, incoming catalog.Record) error {
	oldValue, _ := existing.StringField(field)
	newValue, _ := incoming.StringField(field)
	if oldValue != newValue {
		return &catalog.ValidationError{
			Kind:   kind,
			Fields: map[string][]string{field: {"cannot be changed after creation"}},
		}
	}
	return nil
}

func (s *Store) lookup(kind, id string) (catalog.Record, bool) {
	if id == "" {
		return nil, false
	}
	rec, ok := s.records[kind][id]
	return rec, ok
}

func (s *Store) deleteViewsOfResource(resourceID string) {
	for viewID, view := range s.records[catalog.KindView] {
		if rid, _ := view.StringField("resource_id"); rid == resourceID {
			delete(s.records[catalog.KindView], viewID)
			s.appendEvent(catalog.EventRecordDeleted, catalog.KindView, viewID)
		}
	}
}

func cloneInlineResources(dataset catalog.Record) []any {
	inline, _ := dataset["resources"].([]any)
	out := make([]any, 0, len(inline))
	for _, entry := range inline {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, catalog.Record(m).Clone())
			continue
		}
		if r, ok := entry.(catalog.Record); ok {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (s *Store) appendInlineResource(datasetID string, resource catalog.Record) {
	dataset, ok := s.lookup(catalog.KindDataset, datasetID)
	if !ok {
		return
	}
	inline, _ := dataset["resources"].([]any)
	dataset["resources"] = append(inline, resource.Clone())
}

func (s *Store) replaceInlineResource(datasetID string, resource catalog.Record) {
	dataset, ok := s.lookup(catalog.KindDataset, datasetID)
	if !ok {
		return
	}
	inline, _ := dataset["resources"].([]any)
	for i, entry := range inline {
		if inlineID(entry) == resource.ID() {
			inline[i] = resource.Clone()
			return
		}
	}
	dataset["resources"] = append(inline, resource.Clone())
}

func (s *Store) removeInlineResource(datasetID, resourceID string) {
	dataset, ok := s.lookup(catalog.KindDataset, datasetID)
	if !ok {
		return
	}
	inline, _ := dataset["resources"].([]any)
	kept := make([]any, 0, len(inline))
	for _, entry := range inline {
		if inlineID(entry) != resourceID {
			kept = append(kept, entry)
		}
	}
	dataset["resources"] = kept
}

func inlineID(entry any) string {
	switch typed := entry.(type) {
	case catalog.Record:
		return typed.ID()
	case map[string]any:
		return catalog.Record(typed).ID()
	default:
		return ""
	}
}

func (s *Store) appendEvent(eventType, kind, id string) {
	s.eventSeq++
	event := catalog.Event{
		Seq:       s.eventSeq,
		Type:      eventType,
		Kind:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.events = append(s.events, event)
	s.notify(event)
}

// EventsSince returns up to limit events with seq greater than after.
func (s *Store) EventsSince(after int64, limit int) catalog.EventFeed {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	feed := catalog.EventFeed{Events: []catalog.Event{}, LastSeq: s.eventSeq}
	for _, event := range s.events {
		if event.Seq <= after {
			continue
		}
		feed.Events = append(feed.Events, event)
		if len(feed.Events) >= limit {
			break
		}
	}
	return feed
}

// Subscribe registers a live event channel. Events are dropped for slow
// subscribers rather than blocking store mutations. The returned func
// cancels the subscription.
func (s *Store) Subscribe(buffer int) (<-chan catalog.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan catalog.Event, buffer)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(event catalog.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Store) persist() {
	if s.backend == nil {
		return
	}
	snapshot := &storeSnapshot{
		Records:  s.records,
		IDSeq:    s.idSeq,
		EventSeq: s.eventSeq,
	}
	if err := s.backend.Save(snapshot); err != nil {
		s.logf("failed to save store snapshot: %v", err)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
