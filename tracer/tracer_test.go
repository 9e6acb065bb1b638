package tracer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/bpf-sandbox/types"
)

func TestRawEventRoundTrip(t *testing.T) {
	assert.Equal(t, 168, RawEventSize)

	in := RawEvent{
		Timestamp: 123456789,
		Pid:       10,
		Ppid:      1,
		Tid:       11,
		Category:  uint8(types.CategoryFileSystem),
		Operation: types.FileWrite,
		Status:    uint8(types.StatusDenied),
	}
	in.SetComm("curl")
	in.SetDetail("/etc/shadow")

	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "curl", out.CommString())
	assert.Equal(t, "/etc/shadow", out.DetailString())
}

func TestDecodeShortRecord(t *testing.T) {
	_, err := Decode(make([]byte, RawEventSize-1))
	assert.Error(t, err)
}

func TestSetDetailTruncates(t *testing.T) {
	var e RawEvent
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	e.SetDetail(string(long))
	assert.Len(t, e.DetailString(), 127, "last byte stays NUL")

	e.SetComm("a-very-long-command-name")
	assert.Equal(t, "a-very-long-com", e.CommString())
}

func TestConfigEnabled(t *testing.T) {
	all := Config{}
	assert.True(t, all.Enabled(types.CategoryWmi))

	some := Config{Categories: []types.Category{types.CategoryProcess, types.CategoryDns}}
	assert.True(t, some.Enabled(types.CategoryDns))
	assert.False(t, some.Enabled(types.CategoryFileSystem))
}

func TestSyntheticProducesThenBlocksUntilStop(t *testing.T) {
	src := &Synthetic{
		Generate: func(seq uint64, cfg Config) (Record, bool) {
			if seq >= 3 {
				return Record{}, false
			}
			return Sample(RawEvent{Pid: cfg.TargetPID, Timestamp: seq}), true
		},
	}
	rd, err := src.Open(Config{TargetPID: 77})
	require.NoError(t, err)

	for i := uint64(0); i < 3; i++ {
		rec, err := rd.Read()
		require.NoError(t, err)
		evt, err := Decode(rec.RawSample)
		require.NoError(t, err)
		assert.Equal(t, uint32(77), evt.Pid)
		assert.Equal(t, i, evt.Timestamp)
	}

	done := make(chan error, 1)
	go func() {
		_, err := rd.Read()
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("exhausted reader returned before Stop")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, rd.Stop())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock Read")
	}
}

func TestSyntheticIgnoreStopNeedsClose(t *testing.T) {
	src := &Synthetic{IgnoreStop: true}
	rd, err := src.Open(Config{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := rd.Read()
		done <- err
	}()

	require.NoError(t, rd.Stop())
	select {
	case <-done:
		t.Fatal("Stop should be ignored")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, rd.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Read")
	}

	stops, closes := src.Readers()[0].Calls()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, closes)
}

func TestSyntheticOpenError(t *testing.T) {
	src := &Synthetic{OpenErr: errors.New("no tracing for you")}
	_, err := src.Open(Config{})
	assert.EqualError(t, err, "no tracing for you")
	assert.Empty(t, src.Readers())
}

func TestMonotonicAdvances(t *testing.T) {
	a := Monotonic()
	time.Sleep(time.Millisecond)
	b := Monotonic()
	assert.Greater(t, b, a)
}
