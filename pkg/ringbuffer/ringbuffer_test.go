package ringbuffer

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, capacity int, opts ...Option) *RingBuffer {
	t.Helper()
	rb, err := New(capacity, opts...)
	require.NoError(t, err)
	return rb
}

func commitUint32(t *testing.T, rb *RingBuffer, size int, v uint32) {
	t.Helper()
	h, err := rb.Reserve(size)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(h.Bytes(), v)
	rb.Commit(h)
}

func consumeUint32(rb *RingBuffer) (uint32, bool) {
	var v uint32
	ok := rb.TryConsume(func(b []byte) {
		v = binary.LittleEndian.Uint32(b)
	})
	return v, ok
}

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, c := range []int{0, 8, 1000, 3 << 10, 1 << 30} {
		_, err := New(c)
		assert.Error(t, err, "capacity %d", c)
	}
	rb, err := New(DefaultCapacity)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, rb.Cap())
}

func TestReserveRejectsBadSize(t *testing.T) {
	rb := mustNew(t, 1024)
	_, err := rb.Reserve(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = rb.Reserve(1025)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = rb.Reserve(int(lenMask) + 1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestLargestCapacityLengthFitsHeader(t *testing.T) {
	assert.Less(t, uint64(maxCapacity), uint64(flagDiscard))
	assert.Equal(t, uint32(0), uint32(maxCapacity)&(flagCommitted|flagDiscard))
}

func TestCapacityScenario(t *testing.T) {
	rb := mustNew(t, 1024)

	handles := make([]Handle, 0, 32)
	for i := 0; i < 32; i++ {
		h, err := rb.Reserve(32)
		require.NoError(t, err, "reservation %d", i)
		handles = append(handles, h)
	}

	_, err := rb.Reserve(32)
	assert.ErrorIs(t, err, ErrBufferFull)

	// Nothing committed yet, so nothing is visible.
	_, ok := consumeUint32(rb)
	assert.False(t, ok)

	for i, h := range handles {
		binary.LittleEndian.PutUint32(h.Bytes(), uint32(i))
		rb.Commit(h)
	}
	_, err = rb.Reserve(32)
	assert.ErrorIs(t, err, ErrBufferFull, "commit alone must not free space")

	for i := 0; i < 32; i++ {
		v, ok := consumeUint32(rb)
		require.True(t, ok)
		assert.Equal(t, uint32(i), v)
	}

	_, err = rb.Reserve(32)
	assert.NoError(t, err)

	st := rb.Stats()
	assert.Equal(t, uint64(2), st.Full)
	assert.Equal(t, uint64(32), st.Consumed)
}

func TestUncommittedHeadIsNeverVisible(t *testing.T) {
	rb := mustNew(t, 256)

	h, err := rb.Reserve(24)
	require.NoError(t, err)
	copy(h.Bytes(), []byte{1, 2, 3, 4})

	commitUint32(t, rb, 24, 7)

	// Second record is committed but sits behind a reserved head.
	_, ok := consumeUint32(rb)
	assert.False(t, ok)

	binary.LittleEndian.PutUint32(h.Bytes(), 6)
	rb.Commit(h)

	v, ok := consumeUint32(rb)
	require.True(t, ok)
	assert.Equal(t, uint32(6), v)
	v, ok = consumeUint32(rb)
	require.True(t, ok)
	assert.Equal(t, uint32(7), v)
}

func TestCommitOrderEqualsConsumeOrder(t *testing.T) {
	rb := mustNew(t, 4096)

	for i := 0; i < 100; i++ {
		commitUint32(t, rb, 24, uint32(i))
		if i%3 == 0 {
			v, ok := consumeUint32(rb)
			require.True(t, ok)
			_ = v
		}
	}

	var got []uint32
	for {
		v, ok := consumeUint32(rb)
		if !ok {
			break
		}
		got = append(got, v)
	}
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
	assert.Equal(t, uint64(100), rb.Stats().Consumed)
}

func TestDiscardIsNotDelivered(t *testing.T) {
	rb := mustNew(t, 256)

	h, err := rb.Reserve(24)
	require.NoError(t, err)
	rb.Discard(h)
	commitUint32(t, rb, 24, 11)

	v, ok := consumeUint32(rb)
	require.True(t, ok)
	assert.Equal(t, uint32(11), v)

	_, ok = consumeUint32(rb)
	assert.False(t, ok)
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, uint64(1), rb.Stats().Discarded)
}

func TestWrapAroundPadding(t *testing.T) {
	rb := mustNew(t, 64)

	commitUint32(t, rb, 24, 1)
	commitUint32(t, rb, 24, 2)
	for want := uint32(1); want <= 2; want++ {
		v, ok := consumeUint32(rb)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	// Cursor at 48: a 24 byte record does not fit in the 16 byte tail.
	commitUint32(t, rb, 24, 3)
	assert.Equal(t, 40, rb.Len())

	commitUint32(t, rb, 24, 4)
	_, err := rb.Reserve(24)
	assert.ErrorIs(t, err, ErrBufferFull)

	for want := uint32(3); want <= 4; want++ {
		v, ok := consumeUint32(rb)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	assert.Equal(t, 0, rb.Len())
}

func TestStuckReservationIsReportedOnce(t *testing.T) {
	now := time.Unix(0, 0)
	rb := mustNew(t, 256,
		WithStagingWindow(10*time.Millisecond),
		WithClock(func() time.Time { return now }),
	)

	h, err := rb.Reserve(24)
	require.NoError(t, err)

	_, ok := consumeUint32(rb)
	assert.False(t, ok)

	now = now.Add(5 * time.Millisecond)
	consumeUint32(rb)
	assert.Equal(t, uint64(0), rb.Stats().Stuck)

	now = now.Add(10 * time.Millisecond)
	consumeUint32(rb)
	consumeUint32(rb)
	assert.Equal(t, uint64(1), rb.Stats().Stuck)

	rb.Commit(h)
	_, ok = consumeUint32(rb)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), rb.Stats().Stuck)
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	rb := mustNew(t, 4096)

	const producers, perProducer = 4, 5000
	var wg sync.WaitGroup
	var committed [producers]int

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for seq := 0; seq < perProducer; seq++ {
				h, err := rb.Reserve(8)
				if err != nil {
					continue
				}
				b := h.Bytes()
				binary.LittleEndian.PutUint32(b[0:4], uint32(p))
				binary.LittleEndian.PutUint32(b[4:8], uint32(seq))
				rb.Commit(h)
				committed[p]++
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	last := [producers]int{-1, -1, -1, -1}
	var got [producers]int
	drain := func() {
		for rb.TryConsume(func(b []byte) {
			p := binary.LittleEndian.Uint32(b[0:4])
			seq := int(binary.LittleEndian.Uint32(b[4:8]))
			assert.Greater(t, seq, last[p], "producer %d out of order", p)
			last[p] = seq
			got[p]++
		}) {
		}
	}

	for {
		select {
		case <-done:
			drain()
			for p := 0; p < producers; p++ {
				assert.Equal(t, committed[p], got[p], "producer %d", p)
			}
			st := rb.Stats()
			assert.Equal(t, st.Committed, st.Consumed)
			assert.Equal(t, uint64(producers*perProducer), st.Committed+st.Full)
			return
		default:
			drain()
		}
	}
}
