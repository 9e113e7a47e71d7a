package torch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorViews(t *testing.T) {
	x := NewTensor(2, 3, 4)
	assert.Len(t, x.Data, 24)
	assert.Equal(t, 4, x.Cols())
	assert.Equal(t, 6, x.Rows())
	x.Data[5] = 7
	assert.Equal(t, float32(7), x.Row(1)[1])

	y, err := x.Reshape(6, 4)
	require.NoError(t, err)
	y.Data[0] = 1
	assert.Equal(t, float32(1), x.Data[0])

	z := x.WithCols(9)
	assert.Equal(t, []int{2, 3, 9}, z.Shape)
	assert.Equal(t, []int{2, 3, 4}, x.Shape)
}

func TestFromDataRejectsWrongLength(t *testing.T) {
	_, err := FromData(make([]float32, 5), 2, 3)
	assert.ErrorIs(t, err, ErrShape)
	_, err = NewTensor(2, 3).Reshape(7)
	assert.ErrorIs(t, err, ErrShape)
	assert.Panics(t, func() { NewTensor(2, -1) })
}

func TestScalarTensor(t *testing.T) {
	x := NewTensor()
	assert.Len(t, x.Data, 1)
	assert.Equal(t, 1, x.Rows())
	assert.Equal(t, 1, x.Cols())
}
