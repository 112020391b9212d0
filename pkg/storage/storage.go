package storage

import (
	"context"
	"time"

	"github.com/emerry-tsun/JMA/pkg/model"
)

// Storage defines the persistence layer for area state, feed marks and deliveries.
type Storage interface {
	// GetAreaState returns the stored state for an area, or an empty state if
	// the area has never been processed.
	GetAreaState(ctx context.Context, areaCode string) (*model.AreaState, error)

	// PutAreaState replaces the stored state for an area.
	PutAreaState(ctx context.Context, state *model.AreaState) error

	// ListAreaStates returns every stored area state ordered by area code.
	ListAreaStates(ctx context.Context) ([]model.AreaState, error)

	// DeleteAreaState forgets an area, so its next bulletin is treated as new.
	DeleteAreaState(ctx context.Context, areaCode string) error

	// GetFeedMark returns the Last-Modified time recorded for a feed URL.
	// The zero time means none was recorded.
	GetFeedMark(ctx context.Context, feedURL string) (time.Time, error)

	// PutFeedMark records the Last-Modified time of a feed URL.
	PutFeedMark(ctx context.Context, feedURL string, lastModified time.Time) error

	// RecordDelivery persists a publish outcome.
	RecordDelivery(ctx context.Context, d *model.Delivery) error

	// ListDeliveries returns deliveries matching the filter, newest first.
	ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// encodeState flattens the per-tier code sets into storage columns.
func encodeState(s *model.AreaState) (advisory, warning, emergency string) {
	return s.Active[model.TierAdvisory].String(),
		s.Active[model.TierWarning].String(),
		s.Active[model.TierEmergency].String()
}

func decodeState(areaCode, advisory, warning, emergency string, reportUnix int64, updatedAt time.Time) (*model.AreaState, error) {
	st := model.NewAreaState(areaCode)
	for tier, raw := range map[model.Tier]string{
		model.TierAdvisory:  advisory,
		model.TierWarning:   warning,
		model.TierEmergency: emergency,
	} {
		set, err := model.ParseCodeSet(raw)
		if err != nil {
			return nil, err
		}
		st.Active[tier] = set
	}
	if reportUnix > 0 {
		st.ReportTime = time.Unix(reportUnix, 0).UTC()
	}
	st.UpdatedAt = updatedAt
	return st, nil
}

func reportUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
