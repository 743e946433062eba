package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/samber/lo"
)

// MemoryDataset holds samples in memory.
type MemoryDataset struct {
	features   [][]float64
	labels     []int
	numClasses int
}

// NewMemoryDataset creates a dataset from parallel feature rows and labels.
// Every row must have the same width and every label must be in
// [0, numClasses).
func NewMemoryDataset(features [][]float64, labels []int, numClasses int) (*MemoryDataset, error) {
	if len(features) != len(labels) {
		return nil, fmt.Errorf("features and labels must have the same length: got %d and %d", len(features), len(labels))
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	for i, row := range features {
		if len(row) == 0 || len(row) != len(features[0]) {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), len(features[0]))
		}
		if labels[i] < 0 || labels[i] >= numClasses {
			return nil, fmt.Errorf("row %d: label %d out of range [0, %d)", i, labels[i], numClasses)
		}
	}
	return &MemoryDataset{features: features, labels: labels, numClasses: numClasses}, nil
}

// Len returns the number of samples in the dataset
func (ds *MemoryDataset) Len() int {
	return len(ds.features)
}

// Get returns a sample at the given index
func (ds *MemoryDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(ds.features) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.features))
	}
	return ds.features[idx], ds.labels[idx], nil
}

// NumClasses returns the number of label classes.
func (ds *MemoryDataset) NumClasses() int {
	return ds.numClasses
}

// NumFeatures returns the width of a sample, or 0 for an empty dataset.
func (ds *MemoryDataset) NumFeatures() int {
	if len(ds.features) == 0 {
		return 0
	}
	return len(ds.features[0])
}

// SubsetDataset exposes a selection of another dataset's samples
type SubsetDataset struct {
	original Dataset
	indices  []int
}

// NewSubsetDataset creates a view of original restricted to indices.
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= original.Len() {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, original.Len())
		}
	}
	return &SubsetDataset{original: original, indices: indices}, nil
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns a sample from the original dataset
func (sd *SubsetDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(sd.indices))
	}
	return sd.original.Get(sd.indices[idx])
}

// SplitIndices shuffles [0, n) with rng and holds out round(n*valRatio)
// samples for validation. A zero ratio returns all indices for training in
// their original order.
func SplitIndices(n int, valRatio float64, rng *rand.Rand) (train, val []int, err error) {
	if valRatio < 0 || valRatio >= 1 {
		return nil, nil, fmt.Errorf("validation ratio must be in [0, 1), got %v", valRatio)
	}
	all := lo.Range(n)
	if valRatio == 0 {
		return all, nil, nil
	}
	if rng == nil {
		return nil, nil, fmt.Errorf("validation split requires a random source")
	}
	rng.Shuffle(n, func(i, j int) { all[i], all[j] = all[j], all[i] })
	valSize := int(math.Round(float64(n) * valRatio))
	return all[valSize:], all[:valSize], nil
}

// LoadCSV reads a dataset where each record is the integer label followed by
// the feature values. The number of classes is one more than the largest
// label seen.
func LoadCSV(path string) (*MemoryDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	var (
		features [][]float64
		labels   []int
	)
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%s:%d: need a label and at least one feature", path, line)
		}
		label, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label %q: %w", path, line, rec[0], err)
		}
		row := make([]float64, len(rec)-1)
		for j, field := range rec[1:] {
			if row[j], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("%s:%d: invalid feature %q: %w", path, line, field, err)
			}
		}
		features = append(features, row)
		labels = append(labels, label)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%s contains no samples", path)
	}
	return NewMemoryDataset(features, labels, lo.Max(labels)+1)
}

// BlobConfig describes a synthetic classification problem of Gaussian
// clusters, one per class.
type BlobConfig struct {
	NumClasses  int
	NumFeatures int
	PerClass    int
	Spread      float64 // standard deviation around each center
}

// DefaultBlobConfig returns a small 10-class problem.
func DefaultBlobConfig() BlobConfig {
	return BlobConfig{
		NumClasses:  10,
		NumFeatures: 32,
		PerClass:    100,
		Spread:      0.5,
	}
}

// SyntheticBlobs draws a dataset from cfg using rng. Samples are grouped by
// class; loaders shuffle them.
func SyntheticBlobs(cfg BlobConfig, rng *rand.Rand) (*MemoryDataset, error) {
	if cfg.NumClasses <= 0 || cfg.NumFeatures <= 0 || cfg.PerClass <= 0 {
		return nil, fmt.Errorf("invalid blob config %+v", cfg)
	}
	if rng == nil {
		return nil, fmt.Errorf("synthetic data requires a random source")
	}
	centers := make([][]float64, cfg.NumClasses)
	for c := range centers {
		centers[c] = make([]float64, cfg.NumFeatures)
		for j := range centers[c] {
			centers[c][j] = rng.Float64()*4 - 2
		}
	}
	n := cfg.NumClasses * cfg.PerClass
	features := make([][]float64, 0, n)
	labels := make([]int, 0, n)
	for c, center := range centers {
		for range cfg.PerClass {
			row := make([]float64, cfg.NumFeatures)
			for j, mu := range center {
				row[j] = mu + rng.NormFloat64()*cfg.Spread
			}
			features = append(features, row)
			labels = append(labels, c)
		}
	}
	return NewMemoryDataset(features, labels, cfg.NumClasses)
}
