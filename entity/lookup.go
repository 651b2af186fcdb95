package entity

import "context"

// RepositoryLookup adapts a Repository's GetByContentHash into the
// duplicate.Lookup interface, so a Detector can be built directly on top
// of whatever Repository a host wires up (memory or Postgres).
type RepositoryLookup struct {
	Repo Repository
}

func (l RepositoryLookup) FindByContentHash(ctx context.Context, source, contentHash, excludeEntityID string) (string, string, bool, error) {
	e, err := l.Repo.GetByContentHash(ctx, source, contentHash)
	if err != nil {
		return "", "", false, err
	}
	if e == nil || e.ID == excludeEntityID {
		return "", "", false, nil
	}
	return e.ID, e.ExternalID, true, nil
}
