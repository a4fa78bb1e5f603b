package services

import (
	"context"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"example.com/storefront/services/dispatch/internal/metrics"
	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/repositories"
	"example.com/storefront/services/dispatch/internal/tracing"
)

// MetaStore is the read surface for the overlay query.
type MetaStore interface {
	GetOrderMeta(ctx context.Context, orderIDs []uint) ([]models.OrderMeta, error)
}

// MetaService serves the admin order overlay: dispatch-derived fields for a
// set of orders. Pure read path, recomputed per query.
type MetaService struct {
	metaRepo MetaStore
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
}

// NewMetaService creates a new meta service
func NewMetaService(db *gorm.DB, collector *metrics.Metrics, tracer tracing.Tracer) *MetaService {
	return &MetaService{
		metaRepo: repositories.NewDispatchRepository(db),
		metrics:  collector,
		tracer:   tracer,
	}
}

// GetMeta returns one overlay row per requested order that has dispatch
// data. Orders without any dispatch are simply absent from the result. An
// empty id set returns an empty result without touching the store.
func (s *MetaService) GetMeta(ctx context.Context, orderIDs []uint) ([]models.OrderMeta, error) {
	txn := s.tracer.StartTransaction("get-order-meta")
	defer s.tracer.EndTransaction(txn)

	start := time.Now()
	defer func() {
		s.metrics.RecordTimer("meta.get", time.Since(start))
	}()

	if len(orderIDs) == 0 {
		return []models.OrderMeta{}, nil
	}

	meta, err := s.metaRepo.GetOrderMeta(ctx, orderIDs)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	if meta == nil {
		meta = []models.OrderMeta{}
	}
	return meta, nil
}

// NormalizeOrderIDs flattens query values into a deduplicated id set. Each
// value may itself be a comma-joined list; blanks and unparsable entries are
// dropped. Repeated and comma-joined forms normalize to the same set.
func NormalizeOrderIDs(values []string) []uint {
	seen := make(map[uint]bool)
	var ids []uint
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				continue
			}
			if !seen[uint(id)] {
				seen[uint(id)] = true
				ids = append(ids, uint(id))
			}
		}
	}
	return ids
}
