package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
)

func TestQueueFIFO(t *testing.T) {
	q := newInputQueue(10)

	a, err := q.Enqueue("first", nil, nil)
	require.NoError(t, err)
	b, err := q.Enqueue("second", nil, nil)
	require.NoError(t, err)

	item := q.Next()
	require.NotNil(t, item)
	assert.Equal(t, a.ID, item.ID)
	assert.Equal(t, ItemRunning, item.Status)

	// No second dequeue while one item is running.
	assert.Nil(t, q.Next())

	done := q.FinishRunning(false)
	require.NotNil(t, done)
	assert.Equal(t, ItemDone, done.Status)

	item = q.Next()
	require.NotNil(t, item)
	assert.Equal(t, b.ID, item.ID)
}

func TestQueueBounded(t *testing.T) {
	q := newInputQueue(2)

	_, err := q.Enqueue("a", nil, nil)
	require.NoError(t, err)
	_, err = q.Enqueue("b", nil, nil)
	require.NoError(t, err)

	_, err = q.Enqueue("c", nil, nil)
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestQueueEnqueueFront(t *testing.T) {
	q := newInputQueue(10)

	_, err := q.Enqueue("normal", nil, nil)
	require.NoError(t, err)
	urgent, err := q.EnqueueFront("urgent", nil, nil)
	require.NoError(t, err)

	item := q.Next()
	require.NotNil(t, item)
	assert.Equal(t, urgent.ID, item.ID)
}

func TestQueueRequeueToFront(t *testing.T) {
	q := newInputQueue(10)

	_, err := q.Enqueue("a", nil, nil)
	require.NoError(t, err)
	b, err := q.Enqueue("b", nil, nil)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(b.ID))
	item := q.Next()
	require.NotNil(t, item)
	assert.Equal(t, b.ID, item.ID)

	assert.True(t, apperrors.IsNotFound(q.Requeue("missing")))
}

func TestQueueCancel(t *testing.T) {
	q := newInputQueue(10)

	a, err := q.Enqueue("a", nil, nil)
	require.NoError(t, err)

	cancelled, err := q.Cancel(a.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemCancelled, cancelled.Status)
	select {
	case <-cancelled.Done():
	default:
		t.Fatal("cancelled item should be terminal")
	}

	_, err = q.Cancel("missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestQueuePauseSuspendsDispatch(t *testing.T) {
	q := newInputQueue(10)

	_, err := q.Enqueue("a", nil, nil)
	require.NoError(t, err)

	q.SetPaused(true)
	assert.Nil(t, q.Next())

	q.SetPaused(false)
	assert.NotNil(t, q.Next())
}

func TestQueueClearCancelsPendingOnly(t *testing.T) {
	q := newInputQueue(10)

	_, err := q.Enqueue("a", nil, nil)
	require.NoError(t, err)
	running := q.Next()
	require.NotNil(t, running)

	b, err := q.Enqueue("b", nil, nil)
	require.NoError(t, err)

	cleared := q.Clear()
	require.Len(t, cleared, 1)
	assert.Equal(t, b.ID, cleared[0].ID)
	assert.Equal(t, ItemCancelled, cleared[0].Status)

	// The running item finishes normally.
	assert.Equal(t, ItemRunning, running.Status)
	done := q.FinishRunning(false)
	assert.Equal(t, ItemDone, done.Status)
}

func TestQueuePatchTimingDelaysDispatch(t *testing.T) {
	q := newInputQueue(10)

	item, err := q.Enqueue("later", nil, nil)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, q.PatchTiming(item.ID, &future))
	assert.Nil(t, q.Next())

	require.NoError(t, q.PatchTiming(item.ID, nil))
	assert.NotNil(t, q.Next())

	assert.True(t, apperrors.IsNotFound(q.PatchTiming("missing", nil)))
}

func TestQueueDoneSignal(t *testing.T) {
	q := newInputQueue(10)

	item, err := q.Enqueue("a", nil, nil)
	require.NoError(t, err)

	select {
	case <-item.Done():
		t.Fatal("pending item should not be terminal")
	default:
	}

	q.Next()
	q.FinishRunning(true)

	select {
	case <-item.Done():
		assert.True(t, item.Failed)
	default:
		t.Fatal("finished item should signal Done")
	}
}
