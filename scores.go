package trakgo

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/hupe1980/trakgo/internal/conv"
	"github.com/hupe1980/trakgo/internal/hash"
	"github.com/hupe1980/trakgo/internal/queue"
)

const (
	scoresMagic   = "TRKS"
	scoresVersion = 1
	// maxScoreEntries bounds allocations when reading untrusted headers.
	maxScoreEntries = 1 << 36
)

// ScoreMatrix holds final influence scores: row i is training example i,
// column j is the j-th scored query.
type ScoreMatrix struct {
	Rows int
	Cols int
	// Data is row-major with stride Cols.
	Data []float32
}

// NewScoreMatrix returns a zeroed rows×cols matrix.
func NewScoreMatrix(rows, cols int) *ScoreMatrix {
	return &ScoreMatrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// At returns the score of training example i for query j.
func (m *ScoreMatrix) At(i, j int) float32 { return m.Data[i*m.Cols+j] }

// Column returns a copy of the scores of every training example for query j.
func (m *ScoreMatrix) Column(j int) []float32 {
	out := make([]float32, m.Rows)
	for i := range out {
		out[i] = m.Data[i*m.Cols+j]
	}
	return out
}

// Attribution is one ranked training example.
type Attribution struct {
	Index int
	Score float32
}

// TopK returns the k highest scoring training examples for query j, best
// first. Ties rank the lower index first.
func (m *ScoreMatrix) TopK(j, k int) ([]Attribution, error) {
	if j < 0 || j >= m.Cols {
		return nil, fmt.Errorf("%w: query %d not in [0, %d)", ErrInvalidArgument, j, m.Cols)
	}
	q := queue.NewTopK(min(k, m.Rows))
	for i := 0; i < m.Rows; i++ {
		q.Offer(queue.Item{Index: i, Score: m.Data[i*m.Cols+j]})
	}
	items := q.Sorted()
	out := make([]Attribution, len(items))
	for i, it := range items {
		out[i] = Attribution{Index: it.Index, Score: it.Score}
	}
	return out, nil
}

// WriteTo serializes m as:
//
//	magic "TRKS" | version u16 | reserved u16 | rows u64 | cols u64 | data f32... | crc32c u32
func (m *ScoreMatrix) WriteTo(w io.Writer) (int64, error) {
	var hdr [24]byte
	copy(hdr[0:4], scoresMagic)
	binary.LittleEndian.PutUint16(hdr[4:], scoresVersion)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(m.Rows))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(m.Cols))

	bw := bufio.NewWriter(w)
	crc := hash.NewCRC32C()
	mw := io.MultiWriter(bw, crc)

	var n int64
	k, err := mw.Write(hdr[:])
	n += int64(k)
	if err != nil {
		return n, err
	}
	var buf [4]byte
	for _, v := range m.Data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		k, err := mw.Write(buf[:])
		n += int64(k)
		if err != nil {
			return n, err
		}
	}
	binary.LittleEndian.PutUint32(buf[:], crc.Sum32())
	k, err = bw.Write(buf[:])
	n += int64(k)
	if err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// ReadFrom replaces m with a matrix written by WriteTo.
func (m *ScoreMatrix) ReadFrom(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	crc := hash.NewCRC32C()
	tr := io.TeeReader(br, crc)

	var n int64
	var hdr [24]byte
	k, err := io.ReadFull(tr, hdr[:])
	n += int64(k)
	if err != nil {
		return n, fmt.Errorf("%w: score header: %w", ErrCorrupt, err)
	}
	if string(hdr[0:4]) != scoresMagic {
		return n, fmt.Errorf("%w: bad score magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != scoresVersion {
		return n, fmt.Errorf("%w: score version %d", ErrCorrupt, v)
	}
	rows64 := binary.LittleEndian.Uint64(hdr[8:])
	cols64 := binary.LittleEndian.Uint64(hdr[16:])
	if rows64 > maxScoreEntries || cols64 > maxScoreEntries || (cols64 > 0 && rows64 > maxScoreEntries/cols64) {
		return n, fmt.Errorf("%w: score shape %dx%d", ErrCorrupt, rows64, cols64)
	}
	rows, err := conv.Uint64ToInt(rows64)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	cols, err := conv.Uint64ToInt(cols64)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	raw := make([]byte, rows*cols*4)
	k, err = io.ReadFull(tr, raw)
	n += int64(k)
	if err != nil {
		return n, fmt.Errorf("%w: score data: %w", ErrCorrupt, err)
	}
	want := crc.Sum32()
	var sum [4]byte
	k, err = io.ReadFull(br, sum[:])
	n += int64(k)
	if err != nil {
		return n, fmt.Errorf("%w: score checksum: %w", ErrCorrupt, err)
	}
	if binary.LittleEndian.Uint32(sum[:]) != want {
		return n, fmt.Errorf("%w: score checksum mismatch", ErrCorrupt)
	}

	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	m.Rows, m.Cols, m.Data = rows, cols, data
	return n, nil
}

// scoreBuffer accumulates one checkpoint's contributions by query column.
type scoreBuffer struct {
	rows    int
	columns map[int][]float32
}

func newScoreBuffer(rows int) *scoreBuffer {
	return &scoreBuffer{rows: rows, columns: make(map[int][]float32)}
}

// add stores block column k under cols[k] and returns the number of newly
// allocated columns.
func (b *scoreBuffer) add(cols []int, block blas32.General) int {
	added := 0
	for k, c := range cols {
		col, ok := b.columns[c]
		if !ok {
			col = make([]float32, b.rows)
			b.columns[c] = col
			added++
		}
		for i := 0; i < b.rows; i++ {
			col[i] = block.Data[i*block.Stride+k]
		}
	}
	return added
}

func (b *scoreBuffer) bytes() int64 {
	return int64(len(b.columns)) * int64(b.rows) * 4
}

// sortedColumns returns the buffered column positions in ascending order.
func (b *scoreBuffer) sortedColumns() []int {
	cols := make([]int, 0, len(b.columns))
	for c := range b.columns {
		cols = append(cols, c)
	}
	sort.Ints(cols)
	return cols
}

// ensemble averages buffers that all hold exactly columns 0..n-1.
func ensemble(rows int, bufs []*scoreBuffer, ids []int) (*ScoreMatrix, error) {
	cols := bufs[0].sortedColumns()
	for j, c := range cols {
		if c != j {
			return nil, fmt.Errorf("%w: checkpoint %d has no scores for query column %d", ErrInvalidArgument, ids[0], j)
		}
	}
	n := len(cols)
	for k, b := range bufs[1:] {
		if len(b.columns) != n {
			return nil, fmt.Errorf("%w: checkpoint %d scored %d queries, checkpoint %d scored %d",
				ErrInvalidArgument, ids[k+1], len(b.columns), ids[0], n)
		}
		for _, c := range cols {
			if _, ok := b.columns[c]; !ok {
				return nil, fmt.Errorf("%w: checkpoint %d has no scores for query column %d", ErrInvalidArgument, ids[k+1], c)
			}
		}
	}

	out := NewScoreMatrix(rows, n)
	inv := 1 / float64(len(bufs))
	acc := make([]float64, rows)
	for j := 0; j < n; j++ {
		clear(acc)
		for _, b := range bufs {
			for i, v := range b.columns[j] {
				acc[i] += float64(v)
			}
		}
		for i, v := range acc {
			out.Data[i*n+j] = float32(v * inv)
		}
	}
	return out, nil
}
