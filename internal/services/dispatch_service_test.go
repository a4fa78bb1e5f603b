package services

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/storefront/services/dispatch/config"
	"example.com/storefront/services/dispatch/internal/metrics"
	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/repositories"
	"example.com/storefront/services/dispatch/internal/tracing"
)

type mockDispatchStore struct {
	mock.Mock
}

func (m *mockDispatchStore) FindLiveByOrder(ctx context.Context, orderID uint) (*models.Dispatch, error) {
	args := m.Called(ctx, orderID)
	if dispatch := args.Get(0); dispatch != nil {
		return dispatch.(*models.Dispatch), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDispatchStore) CreateWithGenesisHistory(ctx context.Context, dispatch *models.Dispatch, genesis *models.DispatchStatusHistory) error {
	args := m.Called(ctx, dispatch, genesis)
	return args.Error(0)
}

func (m *mockDispatchStore) UpdateStatusWithHistory(ctx context.Context, dispatchID uint, newStatus models.DispatchStatus, changedBy uint, note string) error {
	args := m.Called(ctx, dispatchID, newStatus, changedBy, note)
	return args.Error(0)
}

func (m *mockDispatchStore) ListHistory(ctx context.Context, dispatchID uint) ([]models.DispatchStatusHistory, error) {
	args := m.Called(ctx, dispatchID)
	if history := args.Get(0); history != nil {
		return history.([]models.DispatchStatusHistory), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockOrderStore struct {
	mock.Mock
}

func (m *mockOrderStore) ListConfirmedWithoutLiveDispatch(ctx context.Context, limit int) ([]models.Order, error) {
	args := m.Called(ctx, limit)
	if orders := args.Get(0); orders != nil {
		return orders.([]models.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestDispatchService(t *testing.T, dispatches *mockDispatchStore, orders *mockOrderStore) *DispatchService {
	t.Helper()
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)
	return &DispatchService{
		dispatchRepo: dispatches,
		orderRepo:    orders,
		metrics:      metrics.NewMetrics(),
		tracer:       tracer,
	}
}

func TestEnsureDispatch_CreatesWhenOrderHasNoLiveDispatch(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	dispatches.On("FindLiveByOrder", mock.Anything, uint(7)).
		Return(nil, repositories.ErrNotFound).Once()
	dispatches.On("CreateWithGenesisHistory", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			dispatch := args.Get(1).(*models.Dispatch)
			genesis := args.Get(2).(*models.DispatchStatusHistory)

			require.Equal(t, uint(7), dispatch.OrderID)
			require.Equal(t, models.DispatchStatusCreated, dispatch.Status)
			require.Equal(t, "rush order", dispatch.Notes)

			require.Nil(t, genesis.OldStatus)
			require.Equal(t, models.DispatchStatusCreated, genesis.NewStatus)
			require.Equal(t, uint(3), genesis.ChangedBy)
			require.Equal(t, "rush order", genesis.Note)

			dispatch.ID = 42
		}).
		Return(nil).Once()

	result, err := service.EnsureDispatchForConfirmedOrder(context.Background(), 7, 3, "rush order")
	require.NoError(t, err)
	require.True(t, result.Created)
	require.Equal(t, uint(42), result.DispatchID)
	dispatches.AssertExpectations(t)
}

func TestEnsureDispatch_DefaultsNoteWhenEmpty(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	dispatches.On("FindLiveByOrder", mock.Anything, uint(7)).
		Return(nil, repositories.ErrNotFound).Once()
	dispatches.On("CreateWithGenesisHistory", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			require.Equal(t, DefaultDispatchNote, args.Get(1).(*models.Dispatch).Notes)
			require.Equal(t, DefaultDispatchNote, args.Get(2).(*models.DispatchStatusHistory).Note)
		}).
		Return(nil).Once()

	_, err := service.EnsureDispatchForConfirmedOrder(context.Background(), 7, models.SystemActor, "")
	require.NoError(t, err)
	dispatches.AssertExpectations(t)
}

func TestEnsureDispatch_NoopWhenLiveDispatchExists(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	existing := &models.Dispatch{ID: 11, OrderID: 7, Status: models.DispatchStatusInTransit}
	dispatches.On("FindLiveByOrder", mock.Anything, uint(7)).Return(existing, nil).Once()

	result, err := service.EnsureDispatchForConfirmedOrder(context.Background(), 7, 3, "ignored")
	require.NoError(t, err)
	require.False(t, result.Created)
	require.Equal(t, uint(11), result.DispatchID)
	dispatches.AssertNotCalled(t, "CreateWithGenesisHistory", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnsureDispatch_CancelledDispatchAllowsNewOne(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	// A cancelled dispatch is not live, so the lookup misses and a fresh
	// dispatch is created for the re-confirmed order.
	dispatches.On("FindLiveByOrder", mock.Anything, uint(7)).
		Return(nil, repositories.ErrNotFound).Once()
	dispatches.On("CreateWithGenesisHistory", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(1).(*models.Dispatch).ID = 43
		}).
		Return(nil).Once()

	result, err := service.EnsureDispatchForConfirmedOrder(context.Background(), 7, 3, "")
	require.NoError(t, err)
	require.True(t, result.Created)
	require.Equal(t, uint(43), result.DispatchID)
}

func TestEnsureDispatch_RaceLoserReturnsWinner(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	winner := &models.Dispatch{ID: 20, OrderID: 7, Status: models.DispatchStatusCreated}
	dispatches.On("FindLiveByOrder", mock.Anything, uint(7)).
		Return(nil, repositories.ErrNotFound).Once()
	dispatches.On("CreateWithGenesisHistory", mock.Anything, mock.Anything, mock.Anything).
		Return(repositories.ErrDuplicateKey).Once()
	dispatches.On("FindLiveByOrder", mock.Anything, uint(7)).
		Return(winner, nil).Once()

	result, err := service.EnsureDispatchForConfirmedOrder(context.Background(), 7, 3, "")
	require.NoError(t, err)
	require.False(t, result.Created)
	require.Equal(t, uint(20), result.DispatchID)
	dispatches.AssertExpectations(t)
}

func TestEnsureDispatch_LookupErrorPropagates(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	storeErr := errors.New("connection refused")
	dispatches.On("FindLiveByOrder", mock.Anything, uint(7)).Return(nil, storeErr).Once()

	_, err := service.EnsureDispatchForConfirmedOrder(context.Background(), 7, 3, "")
	require.ErrorIs(t, err, storeErr)
	dispatches.AssertNotCalled(t, "CreateWithGenesisHistory", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnsureDispatch_CreateErrorPropagates(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	storeErr := errors.New("deadlock detected")
	dispatches.On("FindLiveByOrder", mock.Anything, uint(7)).
		Return(nil, repositories.ErrNotFound).Once()
	dispatches.On("CreateWithGenesisHistory", mock.Anything, mock.Anything, mock.Anything).
		Return(storeErr).Once()

	_, err := service.EnsureDispatchForConfirmedOrder(context.Background(), 7, 3, "")
	require.ErrorIs(t, err, storeErr)
}

func TestUpdateDispatchStatus_DelegatesToStore(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	dispatches.On("UpdateStatusWithHistory", mock.Anything, uint(11), models.DispatchStatusAssigned, uint(3), "driver picked").
		Return(nil).Once()

	err := service.UpdateDispatchStatus(context.Background(), 11, models.DispatchStatusAssigned, 3, "driver picked")
	require.NoError(t, err)
	dispatches.AssertExpectations(t)
}

func TestUpdateDispatchStatus_ErrorPropagates(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	dispatches.On("UpdateStatusWithHistory", mock.Anything, uint(11), models.DispatchStatusAssigned, uint(3), "").
		Return(repositories.ErrNotFound).Once()

	err := service.UpdateDispatchStatus(context.Background(), 11, models.DispatchStatusAssigned, 3, "")
	require.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestReconcile_EnsuresEachOrderAndContinuesPastFailures(t *testing.T) {
	dispatches := new(mockDispatchStore)
	orders := new(mockOrderStore)
	service := newTestDispatchService(t, dispatches, orders)

	orders.On("ListConfirmedWithoutLiveDispatch", mock.Anything, 50).
		Return([]models.Order{{ID: 1}, {ID: 2}, {ID: 3}}, nil).Once()

	dispatches.On("FindLiveByOrder", mock.Anything, uint(1)).
		Return(nil, repositories.ErrNotFound).Once()
	dispatches.On("CreateWithGenesisHistory", mock.Anything, mock.MatchedBy(func(d *models.Dispatch) bool {
		return d.OrderID == 1
	}), mock.Anything).Return(nil).Once()

	// Order 2 fails; the sweep must still reach order 3.
	dispatches.On("FindLiveByOrder", mock.Anything, uint(2)).
		Return(nil, errors.New("connection refused")).Once()

	dispatches.On("FindLiveByOrder", mock.Anything, uint(3)).
		Return(nil, repositories.ErrNotFound).Once()
	dispatches.On("CreateWithGenesisHistory", mock.Anything, mock.MatchedBy(func(d *models.Dispatch) bool {
		return d.OrderID == 3
	}), mock.Anything).Return(nil).Once()

	err := service.ReconcileConfirmedOrders(context.Background(), 50)
	require.NoError(t, err)
	dispatches.AssertExpectations(t)
	orders.AssertExpectations(t)
}

func TestReconcile_ListErrorPropagates(t *testing.T) {
	orders := new(mockOrderStore)
	service := newTestDispatchService(t, new(mockDispatchStore), orders)

	orders.On("ListConfirmedWithoutLiveDispatch", mock.Anything, 50).
		Return(nil, errors.New("connection refused")).Once()

	err := service.ReconcileConfirmedOrders(context.Background(), 50)
	require.Error(t, err)
}

func statusPtr(s models.DispatchStatus) *models.DispatchStatus { return &s }

func TestVerifyTrail(t *testing.T) {
	valid := []models.DispatchStatusHistory{
		{ID: 1, OldStatus: nil, NewStatus: models.DispatchStatusCreated},
		{ID: 2, OldStatus: statusPtr(models.DispatchStatusCreated), NewStatus: models.DispatchStatusAssigned},
		{ID: 3, OldStatus: statusPtr(models.DispatchStatusAssigned), NewStatus: models.DispatchStatusDelivered},
	}
	require.NoError(t, VerifyTrail(valid))

	require.Error(t, VerifyTrail(nil))

	badGenesis := []models.DispatchStatusHistory{
		{ID: 1, OldStatus: statusPtr(models.DispatchStatusCreated), NewStatus: models.DispatchStatusAssigned},
	}
	require.Error(t, VerifyTrail(badGenesis))

	gap := []models.DispatchStatusHistory{
		{ID: 1, OldStatus: nil, NewStatus: models.DispatchStatusCreated},
		{ID: 2, OldStatus: statusPtr(models.DispatchStatusInTransit), NewStatus: models.DispatchStatusDelivered},
	}
	require.Error(t, VerifyTrail(gap))

	missingOld := []models.DispatchStatusHistory{
		{ID: 1, OldStatus: nil, NewStatus: models.DispatchStatusCreated},
		{ID: 2, OldStatus: nil, NewStatus: models.DispatchStatusAssigned},
	}
	require.Error(t, VerifyTrail(missingOld))
}

func TestVerifyTrail_LoadsHistoryFromStore(t *testing.T) {
	dispatches := new(mockDispatchStore)
	service := newTestDispatchService(t, dispatches, nil)

	dispatches.On("ListHistory", mock.Anything, uint(11)).
		Return([]models.DispatchStatusHistory{
			{ID: 1, OldStatus: nil, NewStatus: models.DispatchStatusCreated},
		}, nil).Once()

	require.NoError(t, service.VerifyTrail(context.Background(), 11))
	dispatches.AssertExpectations(t)
}
