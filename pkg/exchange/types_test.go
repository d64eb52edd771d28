package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in       string
		want     Status
		terminal bool
	}{
		{"NEW", StatusOpen, false},
		{"PARTIALLY_FILLED", StatusOpen, false},
		{"open", StatusOpen, false},
		{"FILLED", StatusClosed, true},
		{"closed", StatusClosed, true},
		{"CANCELED", StatusCanceled, true},
		{"cancelled", StatusCanceled, true},
		{"REJECTED", StatusRejected, true},
		{"EXPIRED", StatusExpired, true},
		{"error", StatusError, true},
		{"PENDING_REVIEW", Status("pending_review"), false},
	}
	for _, tt := range tests {
		got := NormalizeStatus(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.terminal, got.Terminal(), tt.in)
	}
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestTimeSync(t *testing.T) {
	ts := NewTimeSync(func(context.Context) (int64, error) {
		return 0, errors.New("unreachable")
	}, zap.NewNop())
	assert.Error(t, ts.Sync(context.Background()))
	assert.Zero(t, ts.Offset())

	ahead := NewTimeSync(func(context.Context) (int64, error) {
		return ts.Now() + 60_000, nil
	}, zap.NewNop())
	require.NoError(t, ahead.Sync(context.Background()))
	assert.InDelta(t, 60_000, ahead.Offset(), 1_000)
}
