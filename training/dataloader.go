package training

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                               // Total number of samples
	Get(idx int) (features []float64, label int, err error) // Returns a single sample
}

// Batch represents a batch of inputs (one row per sample) and labels
type Batch struct {
	Inputs *mat.Dense
	Labels []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Validate checks that inputs and labels agree and labels fit numClasses.
func (b *Batch) Validate(numClasses int) error {
	if b.Inputs == nil {
		return fmt.Errorf("batch has no inputs")
	}
	rows, _ := b.Inputs.Dims()
	if rows != len(b.Labels) {
		return fmt.Errorf("batch has %d input rows but %d labels", rows, len(b.Labels))
	}
	for i, l := range b.Labels {
		if l < 0 || l >= numClasses {
			return fmt.Errorf("label %d at row %d out of range [0, %d)", l, i, numClasses)
		}
	}
	return nil
}

// Loader yields the batches of one epoch. Next returns a nil batch once the
// epoch is exhausted; Reset starts a new epoch.
type Loader interface {
	Len() int
	Reset()
	Next() (*Batch, error)
}

// DataLoader provides batching and seeded shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. rng is required when shuffle is
// set and drives every permutation.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if shuffle && rng == nil {
		return nil, fmt.Errorf("shuffling requires a random source")
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	end := min(dl.position+dl.batchSize, len(dl.indices))
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	var (
		data     []float64
		features int
	)
	labels := make([]int, len(indices))
	for i, idx := range indices {
		x, y, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			features = len(x)
			if features == 0 {
				return nil, fmt.Errorf("sample %d has no features", idx)
			}
			data = make([]float64, 0, len(indices)*features)
		} else if len(x) != features {
			return nil, fmt.Errorf("sample %d has %d features, want %d", idx, len(x), features)
		}
		data = append(data, x...)
		labels[i] = y
	}
	return &Batch{
		Inputs: mat.NewDense(len(indices), features, data),
		Labels: labels,
	}, nil
}
