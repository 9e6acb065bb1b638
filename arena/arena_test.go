package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		capacity   int
		recordSize int
		wantSlots  int
		wantErr    bool
	}{
		{name: "exact multiple", capacity: 400, recordSize: 40, wantSlots: 10},
		{name: "remainder discarded", capacity: 430, recordSize: 40, wantSlots: 10},
		{name: "one megabyte", capacity: MB, recordSize: 40, wantSlots: MB / 40},
		{name: "too small", capacity: 39, recordSize: 40, wantErr: true},
		{name: "zero record size", capacity: 100, recordSize: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.capacity, tt.recordSize)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, a)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSlots, a.Slots())
			assert.Equal(t, tt.wantSlots*tt.recordSize, a.Capacity())
			assert.Equal(t, 0, a.Used())
		})
	}
}

func TestAllocateInOrderUntilExhausted(t *testing.T) {
	a, err := NewForRecords(3, 16)
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		got, ok := a.Allocate()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := a.Allocate()
	assert.False(t, ok, "full arena returns none")
	_, ok = a.Allocate()
	assert.False(t, ok, "exhaustion is sticky until reset")
	assert.Equal(t, 48, a.Used())
	assert.Equal(t, float32(1), a.Utilization())
}

func TestSlotsDoNotOverlap(t *testing.T) {
	a, err := NewForRecords(2, 8)
	require.NoError(t, err)

	i0, _ := a.Allocate()
	i1, _ := a.Allocate()
	copy(a.Slot(i0), []byte("AAAAAAAA"))
	copy(a.Slot(i1), []byte("BBBBBBBB"))

	assert.Equal(t, []byte("AAAAAAAA"), a.Slot(i0))
	assert.Equal(t, []byte("BBBBBBBB"), a.Slot(i1))
	assert.Len(t, a.Slot(i0), 8)
	assert.Equal(t, 8, cap(a.Slot(i0)), "slot cannot be appended into its neighbour")
}

func TestReset(t *testing.T) {
	a, err := NewForRecords(1, 8)
	require.NoError(t, err)

	_, ok := a.Allocate()
	require.True(t, ok)
	_, ok = a.Allocate()
	require.False(t, ok)

	a.Reset()
	assert.Equal(t, 0, a.Used())
	idx, ok := a.Allocate()
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}
