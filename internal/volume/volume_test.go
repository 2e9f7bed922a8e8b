package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGrid() Grid {
	return Grid{NX: 4, NY: 3, NZ: 2, SX: 2.0, SY: 2.0, SZ: 2.5}
}

func testFrame(idx int, fill float64) *Frame {
	g := testGrid()
	data := make([]float64, g.Voxels())
	for i := range data {
		data[i] = fill + float64(i)
	}
	return &Frame{Index: idx, Grid: g, Data: data}
}

func TestGrid_Voxels(t *testing.T) {
	assert.Equal(t, 24, testGrid().Voxels())
}

func TestGrid_SameShape_IgnoresSpacing(t *testing.T) {
	a := Grid{NX: 4, NY: 3, NZ: 2, SX: 1}
	b := Grid{NX: 4, NY: 3, NZ: 2, SX: 2}
	assert.True(t, a.SameShape(b))

	c := Grid{NX: 4, NY: 3, NZ: 3}
	assert.False(t, a.SameShape(c))
}

func TestNewSet_Valid(t *testing.T) {
	set, err := NewSet([]*Frame{testFrame(0, 0), testFrame(1, 10), testFrame(2, 20)})
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, testGrid(), set.Grid())
	assert.Equal(t, 1, set.Frame(1).Index)
}

func TestNewSet_TooFewFrames(t *testing.T) {
	_, err := NewSet([]*Frame{testFrame(0, 0)})
	assert.Error(t, err)
}

func TestNewSet_NonContiguousIndices(t *testing.T) {
	_, err := NewSet([]*Frame{testFrame(0, 0), testFrame(2, 10)})
	assert.ErrorContains(t, err, "not contiguous")
}

func TestNewSet_GridMismatch(t *testing.T) {
	odd := testFrame(1, 0)
	odd.Grid.NZ = 5
	odd.Data = make([]float64, odd.Grid.Voxels())

	_, err := NewSet([]*Frame{testFrame(0, 0), odd})
	assert.ErrorIs(t, err, ErrGridMismatch)
}

func TestNewSet_DataLengthMismatch(t *testing.T) {
	short := testFrame(1, 0)
	short.Data = short.Data[:5]

	_, err := NewSet([]*Frame{testFrame(0, 0), short})
	assert.Error(t, err)
}

func TestResolveReference(t *testing.T) {
	set, err := NewSet([]*Frame{testFrame(0, 0), testFrame(1, 1), testFrame(2, 2), testFrame(3, 3)})
	require.NoError(t, err)

	tests := []struct {
		name    string
		idx     int
		want    int
		wantErr bool
	}{
		{name: "explicit", idx: 1, want: 1},
		{name: "first", idx: 0, want: 0},
		{name: "last via -1", idx: -1, want: 3},
		{name: "second to last", idx: -2, want: 2},
		{name: "out of range high", idx: 4, wantErr: true},
		{name: "out of range low", idx: -5, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := set.ResolveReference(tt.idx)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
