package runctl

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/manabi-erp/manabi/internal/shared"
)

func newControl(t *testing.T) *Control {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, 0)
}

func TestRunLifecycle(t *testing.T) {
	ctl := newControl(t)
	ctx := context.Background()
	month := shared.BillingMonth{Year: 2026, Month: 4}

	_, err := ctl.Status(ctx, 1, month)
	require.ErrorIs(t, err, ErrNoRun)

	run, err := ctl.Start(ctx, 1, month)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	require.NoError(t, run.Report(ctx, 3, 10))

	st, err := ctl.Status(ctx, 1, month)
	require.NoError(t, err)
	require.Equal(t, run.ID, st.RunID)
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, 3, st.Done)
	require.Equal(t, 10, st.Total)
	require.False(t, st.Cancel)

	canceled, err := run.Canceled(ctx)
	require.NoError(t, err)
	require.False(t, canceled)

	require.NoError(t, ctl.RequestCancel(ctx, 1, month))
	canceled, err = run.Canceled(ctx)
	require.NoError(t, err)
	require.True(t, canceled)

	summary := shared.NewRunSummary(0, false)
	summary.Canceled = true
	require.NoError(t, run.Finish(ctx, summary, nil))
	st, err = ctl.Status(ctx, 1, month)
	require.NoError(t, err)
	require.Equal(t, StateCanceled, st.State)
	require.False(t, st.Cancel)
}

func TestStartClearsStaleCancel(t *testing.T) {
	ctl := newControl(t)
	ctx := context.Background()
	month := shared.BillingMonth{Year: 2026, Month: 4}

	require.NoError(t, ctl.RequestCancel(ctx, 1, month))
	run, err := ctl.Start(ctx, 1, month)
	require.NoError(t, err)
	canceled, err := run.Canceled(ctx)
	require.NoError(t, err)
	require.False(t, canceled)

	other, err := ctl.Start(ctx, 2, month)
	require.NoError(t, err)
	require.NoError(t, ctl.RequestCancel(ctx, 1, month))
	canceled, err = other.Canceled(ctx)
	require.NoError(t, err)
	require.False(t, canceled, "cancel is scoped to tenant and month")
}
