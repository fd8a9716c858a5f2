package spectral

import (
	"sync"

	"github.com/ftl/affogato/core"
)

// NewWaterfall returns a waterfall buffer with the given history depth.
func NewWaterfall(capacity int) *Waterfall {
	if capacity < 1 {
		capacity = 1
	}
	return &Waterfall{
		rows:     make([]core.SpectrumRow, capacity),
		capacity: capacity,
	}
}

// Waterfall is a circular sequence of spectrum snapshots, one per completed
// averaging cycle. The single writer is the spectral processor; readers run
// concurrently with each other but never with the writer, so a reader can
// never observe a row that is being overwritten. Readers always receive
// copies, the internal buffer layout is not exposed.
type Waterfall struct {
	mutex      sync.RWMutex
	rows       []core.SpectrumRow
	capacity   int
	writeIndex int
	count      uint64
}

// Capacity returns the fixed history depth.
func (w *Waterfall) Capacity() int {
	return w.capacity
}

// Push publishes a completed row. The waterfall takes ownership of the row's data.
func (w *Waterfall) Push(row core.SpectrumRow) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.rows[w.writeIndex] = row
	w.writeIndex = (w.writeIndex + 1) % w.capacity
	w.count++
}

// RowCount returns the total number of rows written so far.
func (w *Waterfall) RowCount() uint64 {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.count
}

// Latest returns a copy of the most recently completed row.
func (w *Waterfall) Latest() (core.SpectrumRow, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	if w.count == 0 {
		return core.SpectrumRow{}, false
	}
	index := (w.writeIndex - 1 + w.capacity) % w.capacity
	return copyRow(w.rows[index]), true
}

// LatestRows returns copies of the most recent n complete rows in
// chronological order, oldest first. Fewer rows are returned when the history
// does not hold n rows yet.
func (w *Waterfall) LatestRows(n int) []core.SpectrumRow {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	available := int(w.count)
	if available > w.capacity {
		available = w.capacity
	}
	if n > available {
		n = available
	}
	if n <= 0 {
		return nil
	}

	result := make([]core.SpectrumRow, n)
	for i := 0; i < n; i++ {
		index := (w.writeIndex - n + i + w.capacity) % w.capacity
		result[i] = copyRow(w.rows[index])
	}
	return result
}

func copyRow(row core.SpectrumRow) core.SpectrumRow {
	data := make([]float64, len(row.Data))
	copy(data, row.Data)
	return core.SpectrumRow{Data: data, Range: row.Range}
}
