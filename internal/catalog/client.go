package catalog

import "context"

// SearchResult is one page of search results plus the total number of
// matches across all pages.
type SearchResult struct {
	Results []Record `json:"results"`
	Total   int      `json:"total"`
}

// Client is the narrow catalog API the sync engine runs against.
//
// Search performs inexact (substring) matching on the filter values and may
// paginate; callers that need exact matches must post-filter the results
// themselves. Delete is not idempotent: deleting an id that is already gone
// returns a NotFoundError.
type Client interface {
	Create(ctx context.Context, kind string, fields Record) (Record, error)
	Update(ctx context.Context, kind, id string, fields Record) (Record, error)
	Delete(ctx context.Context, kind, id string) error
	Show(ctx context.Context, kind, id string) (Record, error)
	Search(ctx context.Context, kind string, filters map[string]string, offset, limit int) (SearchResult, error)
}
