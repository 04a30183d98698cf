package employee

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	dtesting "github.com/brighthome/dispatch/internal/testing"
	"github.com/brighthome/dispatch/region"
)

func newTestService(t *testing.T) (*Service, *bus.Bus) {
	t.Helper()
	conn := dtesting.CreateTestDB(t)
	mem := cache.NewMemory()
	t.Cleanup(func() { mem.Close() })
	b := bus.New()
	t.Cleanup(b.Close)
	return NewService(NewStore(conn), NewIDGenerator(conn), mem, b), b
}

func TestHire(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	e, err := svc.Hire(ctx, "+971501234567", "Amina K", region.DXB)
	require.NoError(t, err)

	assert.True(t, ValidateEmployeeID(e.EmployeeID))
	assert.Equal(t, AccountActive, e.AccountStatus)
	assert.Equal(t, StatusOffline, e.OperationalStatus)
	assert.Equal(t, 5.0, e.Rating)

	stored, err := svc.Store().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.EmployeeID, stored.EmployeeID)

	_, err = svc.Hire(ctx, "+971501234568", "Nadia R", "XYZ")
	assert.Error(t, err)
}

func TestSetOnlineOffline(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	e, err := svc.Hire(ctx, "+971501234567", "Amina K", region.DXB)
	require.NoError(t, err)

	online, err := svc.SetOnline(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, online.OperationalStatus)

	// Going online twice is a no-op.
	again, err := svc.SetOnline(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, again.OperationalStatus)

	offline, err := svc.SetOffline(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, offline.OperationalStatus)
}

func TestSetOnlineDoesNotInterruptBusyOrCooldown(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	e, err := svc.Hire(ctx, "+971501234567", "Amina K", region.DXB)
	require.NoError(t, err)
	require.NoError(t, svc.Store().SetOperationalStatus(ctx, e.ID, StatusBusy, nil))

	got, err := svc.SetOnline(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, got.OperationalStatus, "busy cleaners stay busy")
}

func TestSetOnlineRejectsSuspended(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	conn := svc.Store()

	e, err := svc.Hire(ctx, "+971501234567", "Amina K", region.DXB)
	require.NoError(t, err)

	_, err = conn.q.ExecContext(ctx,
		`UPDATE employees SET account_status = ? WHERE id = ?`, AccountSuspended, e.ID)
	require.NoError(t, err)

	_, err = svc.SetOnline(ctx, e.ID)
	assert.Error(t, err)
}

func TestCachedStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	e, err := svc.Hire(ctx, "+971501234567", "Amina K", region.DXB)
	require.NoError(t, err)

	status, err := svc.CachedStatus(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, status)

	// A direct store update is invisible until the cache entry expires,
	// which is the documented 30-second staleness window.
	require.NoError(t, svc.Store().SetOperationalStatus(ctx, e.ID, StatusAvailable, nil))
	status, err = svc.CachedStatus(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, status)
}
