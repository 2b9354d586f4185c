package dataset

import (
	"context"
	"testing"
)

func makeExamples(n int) []*Example {
	examples := make([]*Example, 0, n)
	for i := 0; i < n; i++ {
		questionLen := 3 + i%3
		question := make([]int, questionLen)
		for j := range question {
			question[j] = 5 + j
		}
		examples = append(examples, &Example{
			ImageID:     "img",
			Image:       []float64{0.1, 0.2},
			QuestionIDs: question,
			InputIDs:    []int{2, 7, 3},
		})
	}
	return examples
}

func TestSliceDataset(t *testing.T) {
	ds := NewSliceDataset(makeExamples(3))

	if ds.Len() != 3 {
		t.Errorf("expected 3 samples, got %d", ds.Len())
	}

	example, err := ds.Get(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if example == nil {
		t.Fatal("expected a sample, got nil")
	}

	if _, err := ds.Get(-1); err == nil {
		t.Error("expected an error for a negative index, got nil")
	}
	if _, err := ds.Get(3); err == nil {
		t.Error("expected an error for an out-of-range index, got nil")
	}
}

func TestDataLoaderBatching(t *testing.T) {
	loader := NewDataLoader(NewSliceDataset(makeExamples(5)), 2, false, 0)

	if loader.Len() != 3 {
		t.Errorf("expected 3 batches per epoch, got %d", loader.Len())
	}

	sizes := []int{}
	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if batch == nil {
			break
		}
		sizes = append(sizes, batch.Size())
	}

	want := []int{2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("expected %d batches, got %d", len(want), len(sizes))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch %d: expected size %d, got %d", i, want[i], sizes[i])
		}
	}

	if loader.HasNext() {
		t.Error("expected the epoch to be exhausted")
	}
}

func TestDataLoaderPadding(t *testing.T) {
	examples := []*Example{
		{ImageID: "a", QuestionIDs: []int{2, 5, 3}, InputIDs: []int{2, 3}},
		{ImageID: "b", QuestionIDs: []int{2, 5, 6, 7, 3}, InputIDs: []int{2, 8, 3}},
	}
	loader := NewDataLoader(NewSliceDataset(examples), 2, false, 0)

	batch, err := loader.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Both rows pad to the longest question in the batch
	for i := range examples {
		if len(batch.QuestionIDs[i]) != 5 {
			t.Errorf("row %d: expected padded length 5, got %d", i, len(batch.QuestionIDs[i]))
		}
	}

	wantIDs := []int{2, 5, 3, 0, 0}
	wantMask := []int{1, 1, 1, 0, 0}
	for j := range wantIDs {
		if batch.QuestionIDs[0][j] != wantIDs[j] {
			t.Errorf("position %d: expected id %d, got %d", j, wantIDs[j], batch.QuestionIDs[0][j])
		}
		if batch.QuestionMasks[0][j] != wantMask[j] {
			t.Errorf("position %d: expected mask %d, got %d", j, wantMask[j], batch.QuestionMasks[0][j])
		}
	}
}

func TestDataLoaderReset(t *testing.T) {
	loader := NewDataLoader(NewSliceDataset(makeExamples(4)), 2, false, 0)

	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if batch == nil {
			break
		}
	}

	loader.Reset()
	batch, err := loader.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch == nil {
		t.Fatal("expected a batch after reset, got nil")
	}
}

func TestDataLoaderShuffleCoversAllSamples(t *testing.T) {
	examples := make([]*Example, 10)
	for i := range examples {
		examples[i] = &Example{
			ImageID:     string(rune('a' + i)),
			QuestionIDs: []int{2, 3},
			InputIDs:    []int{2, 3},
		}
	}
	loader := NewDataLoader(NewSliceDataset(examples), 3, true, 0)
	loader.Reset()

	seen := make(map[string]bool)
	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if batch == nil {
			break
		}
		for _, id := range batch.ImageIDs {
			seen[id] = true
		}
	}

	if len(seen) != 10 {
		t.Errorf("expected every sample exactly once, saw %d distinct ids", len(seen))
	}
}

func TestPrefetchLoader(t *testing.T) {
	loader := NewDataLoader(NewSliceDataset(makeExamples(6)), 2, false, 0)

	prefetch, err := NewPrefetchLoader(loader, PrefetchConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := prefetch.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count := 0
	for batch := range prefetch.Batches() {
		if batch.Size() == 0 {
			t.Error("expected non-empty batches")
		}
		count++
	}

	if count != 3 {
		t.Errorf("expected 3 prefetched batches, got %d", count)
	}
	if err := prefetch.Err(); err != nil {
		t.Errorf("unexpected worker error: %v", err)
	}
}

func TestPrefetchLoaderStop(t *testing.T) {
	loader := NewDataLoader(NewSliceDataset(makeExamples(50)), 1, false, 0)

	prefetch, err := NewPrefetchLoader(loader, PrefetchConfig{PrefetchDepth: 1, Workers: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := prefetch.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-prefetch.Batches()
	prefetch.Stop()

	// The channel is closed once the workers have exited
	if _, ok := <-prefetch.Batches(); ok {
		t.Error("expected a drained, closed channel after Stop")
	}
}

func TestNewPrefetchLoaderNilLoader(t *testing.T) {
	if _, err := NewPrefetchLoader(nil, PrefetchConfig{}); err == nil {
		t.Error("expected an error for a nil loader, got nil")
	}
}

func newTestPrefetchSource(t *testing.T, n, batchSize int) *PrefetchSource {
	t.Helper()
	loader := NewDataLoader(NewSliceDataset(makeExamples(n)), batchSize, false, 0)
	prefetch, err := NewPrefetchLoader(loader, PrefetchConfig{PrefetchDepth: 2, Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	source, err := NewPrefetchSource(context.Background(), prefetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return source
}

func drainEpoch(t *testing.T, source *PrefetchSource) int {
	t.Helper()
	count := 0
	for {
		batch, err := source.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if batch == nil {
			return count
		}
		count++
	}
}

func TestPrefetchSourceEpochs(t *testing.T) {
	source := newTestPrefetchSource(t, 6, 2)

	// Two full epochs through the same source
	if got := drainEpoch(t, source); got != 3 {
		t.Errorf("expected 3 batches in the first epoch, got %d", got)
	}
	if got := drainEpoch(t, source); got != 3 {
		t.Errorf("expected 3 batches in the second epoch, got %d", got)
	}
}

func TestPrefetchSourceReset(t *testing.T) {
	source := newTestPrefetchSource(t, 6, 2)

	if batch, err := source.Next(); err != nil || batch == nil {
		t.Fatalf("expected a first batch, got (%v, %v)", batch, err)
	}

	source.Reset()
	if got := drainEpoch(t, source); got != 3 {
		t.Errorf("expected a full epoch after reset, got %d batches", got)
	}
}

func TestNewPrefetchSourceNilLoader(t *testing.T) {
	if _, err := NewPrefetchSource(context.Background(), nil); err == nil {
		t.Error("expected an error for a nil loader, got nil")
	}
}
