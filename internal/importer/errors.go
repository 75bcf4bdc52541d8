package importer

import "fmt"

// CollisionError reports that more than one remote record matched a single
// owner/EID pair. The invariant that an EID maps to at most one record per
// owner no longer holds, so the sync cannot proceed for that entity.
type CollisionError struct {
	Kind    string
	OwnerID string
	EID     string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("multiple %ss with EID %q for importer %q", e.Kind, e.EID, e.OwnerID)
}
