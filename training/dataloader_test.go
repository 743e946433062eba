package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sequentialDataset(t *testing.T, n int) *MemoryDataset {
	t.Helper()
	features := make([][]float64, n)
	labels := make([]int, n)
	for i := range features {
		features[i] = []float64{float64(i), -float64(i)}
		labels[i] = i % 2
	}
	ds, err := NewMemoryDataset(features, labels, 2)
	require.NoError(t, err)
	return ds
}

func drain(t *testing.T, l Loader) []*Batch {
	t.Helper()
	var out []*Batch
	for {
		b, err := l.Next()
		require.NoError(t, err)
		if b == nil {
			return out
		}
		out = append(out, b)
	}
}

func TestDataLoaderBatches(t *testing.T) {
	dl := loaderFor(t, sequentialDataset(t, 10), 4, false, 1)
	assert.Equal(t, 3, dl.Len())

	dl.Reset()
	batches := drain(t, dl)
	require.Len(t, batches, 3)
	assert.Equal(t, 4, batches[0].Size())
	assert.Equal(t, 2, batches[2].Size())
	assert.Equal(t, []float64{8, -8}, batches[2].Inputs.RawRowView(0))
	assert.Equal(t, []int{0, 1}, batches[2].Labels)
	assert.False(t, dl.HasNext())
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	order := func(seed uint64) []int {
		dl := loaderFor(t, sequentialDataset(t, 20), 20, true, seed)
		dl.Reset()
		b := drain(t, dl)[0]
		out := make([]int, b.Size())
		for i := range out {
			out[i] = int(b.Inputs.At(i, 0))
		}
		return out
	}
	assert.Equal(t, order(5), order(5))
	assert.ElementsMatch(t, order(5), order(6))
}

func TestNewDataLoaderValidation(t *testing.T) {
	ds := sequentialDataset(t, 2)
	_, err := NewDataLoader(ds, 0, false, nil)
	assert.Error(t, err)
	_, err = NewDataLoader(ds, 2, true, nil)
	assert.Error(t, err)
}

func TestBatchValidate(t *testing.T) {
	b := &Batch{Inputs: mat.NewDense(2, 1, nil), Labels: []int{0, 1}}
	assert.NoError(t, b.Validate(2))
	assert.Error(t, b.Validate(1))
	b.Labels = []int{0}
	assert.Error(t, b.Validate(2))
	assert.Error(t, (&Batch{}).Validate(2))
}

func TestMemoryDatasetValidation(t *testing.T) {
	_, err := NewMemoryDataset([][]float64{{1}}, []int{0, 1}, 2)
	assert.Error(t, err)
	_, err = NewMemoryDataset([][]float64{{1}, {1, 2}}, []int{0, 1}, 2)
	assert.Error(t, err)
	_, err = NewMemoryDataset([][]float64{{1}}, []int{3}, 2)
	assert.Error(t, err)
	_, _, err = sequentialDataset(t, 3).Get(3)
	assert.Error(t, err)
}

func TestSubsetAndSplit(t *testing.T) {
	ds := sequentialDataset(t, 10)
	train, val, err := SplitIndices(ds.Len(), 0.2, newRng(3))
	require.NoError(t, err)
	assert.Len(t, train, 8)
	assert.Len(t, val, 2)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, append(append([]int(nil), train...), val...))

	sub, err := NewSubsetDataset(ds, val)
	require.NoError(t, err)
	x, _, err := sub.Get(1)
	require.NoError(t, err)
	assert.Equal(t, float64(val[1]), x[0])

	all, none, err := SplitIndices(4, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, all)
	assert.Empty(t, none)

	_, _, err = SplitIndices(4, 1, newRng(1))
	assert.Error(t, err)
	_, err = NewSubsetDataset(ds, []int{10})
	assert.Error(t, err)
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("0,0.5,1\n2,-1,3.25\n1,0,0\n"), 0o644))

	ds, err := LoadCSV(path)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 3, ds.NumClasses())
	assert.Equal(t, 2, ds.NumFeatures())
	x, y, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 3.25}, x)
	assert.Equal(t, 2, y)

	bad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("x,1\n"), 0o644))
	_, err = LoadCSV(bad)
	assert.Error(t, err)

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestSyntheticBlobs(t *testing.T) {
	a := blobs(t, 11)
	b := blobs(t, 11)
	assert.Equal(t, 60, a.Len())
	assert.Equal(t, 3, a.NumClasses())
	xa, ya, _ := a.Get(42)
	xb, yb, _ := b.Get(42)
	assert.Equal(t, xa, xb)
	assert.Equal(t, ya, yb)

	_, err := SyntheticBlobs(BlobConfig{}, newRng(1))
	assert.Error(t, err)
}
