package usecase

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// SnapshotResolver decodes and validates the render snapshot out of a job's
// metadata. Every failure maps to ErrSnapshotInvalid: a job whose snapshot
// cannot be resolved can never succeed, no matter how often it is retried.
type SnapshotResolver struct {
	validate *validator.Validate
}

func NewSnapshotResolver() *SnapshotResolver {
	return &SnapshotResolver{validate: validator.New()}
}

// Resolve returns the snapshot embedded in metadata.render_snapshot.
func (r *SnapshotResolver) Resolve(meta domain.JobMetadata) (domain.RenderSnapshot, error) {
	if len(meta.RenderSnapshot) == 0 {
		return domain.RenderSnapshot{}, fmt.Errorf("%w: metadata carries no render_snapshot", domain.ErrSnapshotInvalid)
	}
	var snap domain.RenderSnapshot
	if err := json.Unmarshal(meta.RenderSnapshot, &snap); err != nil {
		return domain.RenderSnapshot{}, fmt.Errorf("%w: decode render_snapshot: %v", domain.ErrSnapshotInvalid, err)
	}
	if err := r.validate.Struct(snap); err != nil {
		return domain.RenderSnapshot{}, fmt.Errorf("%w: %v", domain.ErrSnapshotInvalid, err)
	}
	return snap, nil
}
