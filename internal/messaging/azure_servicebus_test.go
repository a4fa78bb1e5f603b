package messaging

import (
	"context"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/storefront/services/dispatch/internal/services"
)

type mockEnsurer struct {
	mock.Mock
}

func (m *mockEnsurer) EnsureDispatchForConfirmedOrder(ctx context.Context, orderID uint, changedBy uint, note string) (*services.EnsureResult, error) {
	args := m.Called(ctx, orderID, changedBy, note)
	if result := args.Get(0); result != nil {
		return result.(*services.EnsureResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func message(body string) *azservicebus.ReceivedMessage {
	return &azservicebus.ReceivedMessage{Body: []byte(body)}
}

func TestProcessMessage_ConfirmedOrderEnsuresDispatch(t *testing.T) {
	ensurer := new(mockEnsurer)
	processor := NewProcessor(ensurer)

	ensurer.On("EnsureDispatchForConfirmedOrder", mock.Anything, uint(7), uint(3), "confirmed by support").
		Return(&services.EnsureResult{Created: true, DispatchID: 42}, nil).Once()

	err := processor.ProcessMessage(context.Background(), message(
		`{"eventType":"OrderStatusChanged","data":{"order_id":7,"status":"Confirmed","changed_by":3,"note":"confirmed by support"}}`,
	))
	require.NoError(t, err)
	ensurer.AssertExpectations(t)
}

func TestProcessMessage_NonConfirmedStatusIgnored(t *testing.T) {
	ensurer := new(mockEnsurer)
	processor := NewProcessor(ensurer)

	err := processor.ProcessMessage(context.Background(), message(
		`{"eventType":"OrderStatusChanged","data":{"order_id":7,"status":"Pending","changed_by":3}}`,
	))
	require.NoError(t, err)
	ensurer.AssertNotCalled(t, "EnsureDispatchForConfirmedOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessMessage_UnknownEventTypeIgnored(t *testing.T) {
	ensurer := new(mockEnsurer)
	processor := NewProcessor(ensurer)

	err := processor.ProcessMessage(context.Background(), message(
		`{"eventType":"InventoryAdjusted","data":{}}`,
	))
	require.NoError(t, err)
	ensurer.AssertNotCalled(t, "EnsureDispatchForConfirmedOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessMessage_MalformedBodyReturnsError(t *testing.T) {
	processor := NewProcessor(new(mockEnsurer))

	err := processor.ProcessMessage(context.Background(), message(`not json`))
	require.Error(t, err)
}

func TestProcessMessage_MalformedEventDataReturnsError(t *testing.T) {
	processor := NewProcessor(new(mockEnsurer))

	err := processor.ProcessMessage(context.Background(), message(
		`{"eventType":"OrderStatusChanged","data":"not an object"}`,
	))
	require.Error(t, err)
}

func TestProcessMessage_EnsureFailurePropagatesForRedelivery(t *testing.T) {
	ensurer := new(mockEnsurer)
	processor := NewProcessor(ensurer)

	ensurer.On("EnsureDispatchForConfirmedOrder", mock.Anything, uint(7), uint(0), "").
		Return(nil, context.DeadlineExceeded).Once()

	err := processor.ProcessMessage(context.Background(), message(
		`{"eventType":"OrderStatusChanged","data":{"order_id":7,"status":"Confirmed"}}`,
	))
	require.Error(t, err)
}
