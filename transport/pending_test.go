package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrpc/protocol"
)

func response(id uint64, body string) *protocol.Envelope {
	return &protocol.Envelope{Tag: protocol.TagPolyglot, Kind: protocol.KindResponse, ID: id, Payload: []byte(body)}
}

func waitCall(t *testing.T, call *PendingCall) (*protocol.Envelope, error) {
	t.Helper()
	select {
	case <-call.Done():
		return call.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("call %d never completed", call.ID)
		return nil, nil
	}
}

func TestPendingResolveOutOfOrder(t *testing.T) {
	table := NewPendingTable(nil, nil)

	calls := make([]*PendingCall, 3)
	for i := range calls {
		call, err := table.Register(uint64(i+1), time.Time{})
		require.NoError(t, err)
		calls[i] = call
	}
	require.Equal(t, 3, table.Len())

	for _, id := range []uint64{3, 1, 2} {
		assert.True(t, table.Resolve(id, response(id, "r")))
	}

	for i, call := range calls {
		env, err := waitCall(t, call)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), env.ID)
		assert.Equal(t, StateResolved, call.State())
	}
	assert.Zero(t, table.Len())
}

func TestPendingDuplicateRegister(t *testing.T) {
	table := NewPendingTable(nil, nil)
	_, err := table.Register(7, time.Time{})
	require.NoError(t, err)

	_, err = table.Register(7, time.Time{})
	var dup *DuplicateRequestIDError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, uint64(7), dup.ID)
	assert.Equal(t, 1, table.Len())
}

// 超时之后到达的响应被丢弃
func TestPendingTimeoutThenLateResponse(t *testing.T) {
	table := NewPendingTable(nil, nil)
	call, err := table.Register(1, time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	_, err = waitCall(t, call)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, StateTimedOut, call.State())
	assert.True(t, IsRetryable(err))

	time.Sleep(10 * time.Millisecond)
	assert.False(t, table.Resolve(1, response(1, "late")))
	assert.Zero(t, table.Len())
}

func TestPendingCancel(t *testing.T) {
	table := NewPendingTable(nil, nil)
	call, err := table.Register(1, time.Now().Add(time.Hour))
	require.NoError(t, err)

	cause := errors.New("caller gave up")
	assert.True(t, table.Cancel(1, cause))
	assert.False(t, table.Cancel(1, cause))

	_, err = waitCall(t, call)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateCanceled, call.State())
	assert.False(t, table.Resolve(1, response(1, "late")))
}

func TestPendingFailAllClosesTable(t *testing.T) {
	table := NewPendingTable(nil, nil)
	var calls []*PendingCall
	for id := uint64(1); id <= 3; id++ {
		call, err := table.Register(id, time.Now().Add(time.Hour))
		require.NoError(t, err)
		calls = append(calls, call)
	}

	cause := errors.Join(ErrConnectionLost, errors.New("reset by peer"))
	assert.Equal(t, 3, table.FailAll(cause))

	for _, call := range calls {
		_, err := waitCall(t, call)
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.Equal(t, StateFailed, call.State())
	}

	_, err := table.Register(4, time.Time{})
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Zero(t, table.FailAll(cause))
}

// 响应、失败、取消并发竞争，只有一个生效
func TestPendingFirstCompletionWins(t *testing.T) {
	table := NewPendingTable(nil, nil)
	const rounds = 200

	for i := 0; i < rounds; i++ {
		id := uint64(i + 1)
		call, err := table.Register(id, time.Now().Add(time.Millisecond))
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			if table.Resolve(id, response(id, "ok")) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if table.Fail(id, ErrConnectionLost) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if table.Cancel(id, errors.New("cancel")) {
				wins.Add(1)
			}
		}()
		wg.Wait()
		<-call.Done()

		// the timer may have won instead of any of the three
		if call.State() == StateTimedOut {
			assert.Zero(t, wins.Load())
		} else {
			assert.Equal(t, int32(1), wins.Load())
		}
	}
	assert.Zero(t, table.Len())
}

func TestPendingStaleTimerIgnoresReusedID(t *testing.T) {
	table := NewPendingTable(nil, nil)
	first, err := table.Register(1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, table.Resolve(1, response(1, "a")))

	second, err := table.Register(1, time.Time{})
	require.NoError(t, err)

	// a timer belonging to the first call must not touch the second
	assert.False(t, table.complete(1, first, StateTimedOut, nil, ErrCallTimeout))
	assert.Equal(t, StateSent, second.State())
	assert.True(t, table.Resolve(1, response(1, "b")))
}
