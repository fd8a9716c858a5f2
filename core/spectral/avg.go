package spectral

import "math"

func newAverager(length, blockSize int) *averager {
	result := &averager{
		length:  length,
		buffer:  make([][]float64, length),
		index:   0,
		current: make([]float64, blockSize),
	}
	for i := range result.buffer {
		result.buffer[i] = make([]float64, blockSize)
	}
	return result
}

// averager maintains a running average over the last length rows.
type averager struct {
	length  int
	buffer  [][]float64
	index   int
	current []float64
}

func (a *averager) Put(row []float64) []float64 {
	for i := range row {
		a.current[i] += ((row[i] - a.buffer[a.index][i]) / float64(a.length))
	}
	a.buffer[a.index] = row
	a.index = (a.index + 1) % a.length
	return a.current
}

func newMaxer(length, blockSize int) *maxer {
	return &maxer{
		length:  length,
		buffer:  make([][]float64, length),
		index:   0,
		current: make([]float64, blockSize),
	}
}

// maxer maintains a peak hold over the last length rows.
type maxer struct {
	length  int
	buffer  [][]float64
	index   int
	current []float64
}

func (m *maxer) Put(row []float64) []float64 {
	m.buffer[m.index] = row
	m.index = (m.index + 1) % m.length
	for i := range m.current {
		peak := math.Inf(-1)
		for _, r := range m.buffer {
			if r == nil {
				continue
			}
			peak = math.Max(peak, r[i])
		}
		m.current[i] = peak
	}
	return m.current
}
