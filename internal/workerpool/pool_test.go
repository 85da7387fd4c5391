package workerpool_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/gradelab/grading-engine/grading-engine/internal/identifier"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
	"github.com/gradelab/grading-engine/grading-engine/internal/workerpool"
	mockstrategy "github.com/gradelab/grading-engine/grading-engine/internal/workerpool/mock"
)

func newPool(t *testing.T, maxWorkers int) (*workerpool.Pool, *mockstrategy.MockLaunchStrategy) {
	t.Helper()

	ctrl := gomock.NewController(t)
	strategy := mockstrategy.NewMockLaunchStrategy(ctrl)

	return workerpool.New(strategy, maxWorkers, time.Minute, time.Second), strategy
}

func TestAcquireLaunchesAndReuses(t *testing.T) {
	pool, strategy := newPool(t, 4)

	strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return("http://10.0.0.1:8471", nil).
		Times(1)

	first, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.NoError(t, err, "failed to acquire fresh worker")
	assert.Equal(t, types.WorkerStatusBusy, first.Status)
	assert.Equal(t, "http://10.0.0.1:8471", first.Endpoint)

	pool.Release(t.Context(), first.ID)

	// same type again, no second launch expected
	second, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.NoError(t, err, "failed to acquire released worker")
	assert.Equal(t, first.ID, second.ID, "released worker must be reused")
}

func TestAcquireNeverSharesABusyWorker(t *testing.T) {
	pool, strategy := newPool(t, 4)

	strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return("http://10.0.0.1:8471", nil).
		Times(2)

	first, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.NoError(t, err)

	second, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID, "a busy worker must never serve two jobs")
}

func TestAcquireSaturated(t *testing.T) {
	pool, strategy := newPool(t, 1)

	strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return("http://10.0.0.1:8471", nil).
		Times(1)

	_, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.NoError(t, err)

	// ceiling reached and the only worker is busy
	_, err = pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.ErrorIs(t, err, workerpool.ErrSaturated)

	// a different type cannot overshoot the global ceiling either
	_, err = pool.Acquire(t.Context(), identifier.WorkerTypeGo)
	require.ErrorIs(t, err, workerpool.ErrSaturated)
}

func TestLaunchFailureFreesSlot(t *testing.T) {
	pool, strategy := newPool(t, 1)

	strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return("", errors.New("runtime exploded")).
		Times(1)
	strategy.EXPECT().
		Teardown(gomock.Any(), gomock.Any()).
		Return(nil).
		Times(1)

	_, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.Error(t, err, "launch failure must propagate")
	assert.Equal(t, 0, pool.Size(), "failed entry must not occupy a slot")

	// the slot is usable again
	strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return("http://10.0.0.1:8471", nil).
		Times(1)

	_, err = pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.NoError(t, err, "pool must recover after a failed launch")
}

func TestReleaseIdempotent(t *testing.T) {
	pool, strategy := newPool(t, 1)

	strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return("http://10.0.0.1:8471", nil).
		Times(1)

	w, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.NoError(t, err)

	pool.Release(t.Context(), w.ID)
	pool.Release(t.Context(), w.ID)

	snapshot := pool.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, types.WorkerStatusReady, snapshot[0].Status)
}

func TestDestroy(t *testing.T) {
	pool, strategy := newPool(t, 1)

	strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return("http://10.0.0.1:8471", nil).
		Times(1)
	strategy.EXPECT().
		Teardown(gomock.Any(), gomock.Any()).
		Return(nil).
		Times(1)

	w, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
	require.NoError(t, err)

	require.NoError(t, pool.Destroy(t.Context(), w.ID))
	assert.Equal(t, 0, pool.Size())

	// destroying again is a no op
	require.NoError(t, pool.Destroy(t.Context(), w.ID))
}

func TestHealthChecks(t *testing.T) {
	t.Run("UnhealthyWorkerIsDestroyed", func(t *testing.T) {
		server := httptest.NewServer(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}),
		)
		defer server.Close()

		pool, strategy := newPool(t, 1)

		strategy.EXPECT().
			Launch(gomock.Any(), gomock.Any()).
			Return(server.URL, nil).
			Times(1)
		strategy.EXPECT().
			Teardown(gomock.Any(), gomock.Any()).
			Return(nil).
			Times(1)

		_, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
		require.NoError(t, err)

		pool.RunHealthChecks(t.Context())

		assert.Equal(t, 0, pool.Size(), "unhealthy worker must be removed")
	})

	t.Run("HealthyWorkerSurvives", func(t *testing.T) {
		server := httptest.NewServer(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}),
		)
		defer server.Close()

		pool, strategy := newPool(t, 1)

		strategy.EXPECT().
			Launch(gomock.Any(), gomock.Any()).
			Return(server.URL, nil).
			Times(1)

		_, err := pool.Acquire(t.Context(), identifier.WorkerTypeRust)
		require.NoError(t, err)

		pool.RunHealthChecks(t.Context())

		assert.Equal(t, 1, pool.Size(), "healthy worker must stay")
	})
}
