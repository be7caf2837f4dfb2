package engine

import (
	"context"
	"fmt"

	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/provider"
)

// Refresh reads observed provider state for every recorded resource and
// returns a refreshed copy of the state plus the drift it found. A
// missing resource loses its record, so a later plan recreates it; a
// changed resource gets the observed attributes written into the copy,
// so a later plan updates it back to desired. The input state is never
// modified.
func (e *Engine) Refresh(ctx context.Context, state *ir.State) (*ir.State, []*ir.DriftItem, error) {
	refreshed := state.Clone()
	var drift []*ir.DriftItem

	records := append([]*ir.RecordedResource(nil), refreshed.Resources...)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("refresh cancelled: %w", err)
		}
		if err := e.registry.Load(rec.Provider); err != nil {
			return nil, nil, err
		}
		prov, err := e.registry.Get(rec.Provider)
		if err != nil {
			return nil, nil, err
		}

		var resp *provider.ReadResponse
		err = RetryWithBackoff(ctx, e.retryPolicy(), func() error {
			var readErr error
			resp, readErr = prov.Read(ctx, &provider.ReadRequest{
				ID:         rec.ID,
				Kind:       rec.Kind,
				ExternalID: rec.ExternalID,
			})
			return readErr
		}, provider.IsTransient)
		if err != nil {
			return nil, nil, fmt.Errorf("read failed for %s: %w", rec.ID, err)
		}

		if !resp.Exists {
			logging.Debug("observed resource missing", "id", rec.ID)
			refreshed.Remove(rec.ID)
			drift = append(drift, &ir.DriftItem{ID: rec.ID, Kind: ir.DriftMissing, Action: ir.ActionNone})
			continue
		}
		if !attributesEqual(rec.Attributes, resp.Attributes) {
			logging.Debug("observed attribute drift", "id", rec.ID)
			rec.Attributes = ir.CloneAttributes(resp.Attributes)
			drift = append(drift, &ir.DriftItem{ID: rec.ID, Kind: ir.DriftChanged, Action: ir.ActionNone})
		}
	}

	return refreshed, drift, nil
}
