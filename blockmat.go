package shonan

import (
	"math"
	"runtime"
	"sort"
	"sync"

	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// parallelRowThreshold is the number of block rows above which matrix
// products fan out across worker goroutines.
const parallelRowThreshold = 256

// blockMatrix is a symmetric sparse matrix assembled from 3x3 blocks, the
// shape of the data matrix Q and the certificate matrix S. Only the blocks
// that measurements (plus block-diagonal fill) touch are stored. Symmetry is
// the builder's responsibility: addBlock stores exactly what it is given.
type blockMatrix struct {
	n      int
	rows   []map[int]*[9]float64
	frozen [][]blockEntry
}

type blockEntry struct {
	col int
	b   [9]float64
}

func newBlockMatrix(n int) *blockMatrix {
	return &blockMatrix{n: n, rows: make([]map[int]*[9]float64, n)}
}

// dim returns the scalar dimension 3n.
func (bm *blockMatrix) dim() int {
	return 3 * bm.n
}

// addBlock accumulates scale*b into block (i, j).
func (bm *blockMatrix) addBlock(i, j int, scale float64, b [9]float64) {
	bm.frozen = nil
	if bm.rows[i] == nil {
		bm.rows[i] = map[int]*[9]float64{}
	}
	cur := bm.rows[i][j]
	if cur == nil {
		cur = &[9]float64{}
		bm.rows[i][j] = cur
	}
	for k := 0; k < 9; k++ {
		cur[k] += scale * b[k]
	}
}

// addScaledIdentity accumulates scale*I into diagonal block (i, i).
func (bm *blockMatrix) addScaledIdentity(i int, scale float64) {
	bm.addBlock(i, i, scale, [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func (bm *blockMatrix) clone() *blockMatrix {
	out := newBlockMatrix(bm.n)
	for i, row := range bm.rows {
		if row == nil {
			continue
		}
		out.rows[i] = make(map[int]*[9]float64, len(row))
		for j, b := range row {
			cp := *b
			out.rows[i][j] = &cp
		}
	}
	return out
}

// freeze sorts the rows into slices so products are deterministic.
func (bm *blockMatrix) freeze() [][]blockEntry {
	if bm.frozen != nil {
		return bm.frozen
	}
	frozen := make([][]blockEntry, bm.n)
	for i, row := range bm.rows {
		entries := make([]blockEntry, 0, len(row))
		for j, b := range row {
			entries = append(entries, blockEntry{col: j, b: *b})
		}
		sort.Slice(entries, func(a, b int) bool { return entries[a].col < entries[b].col })
		frozen[i] = entries
	}
	bm.frozen = frozen
	return frozen
}

// forEachRowChunk runs fn over disjoint ranges of block rows, in parallel
// when the matrix is large enough for the fan-out to pay off.
func (bm *blockMatrix) forEachRowChunk(fn func(lo, hi int)) {
	if bm.n < parallelRowThreshold {
		fn(0, bm.n)
		return
	}
	workers := runtime.NumCPU()
	if workers > bm.n {
		workers = bm.n
	}
	chunk := (bm.n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < bm.n; lo += chunk {
		hi := lo + chunk
		if hi > bm.n {
			hi = bm.n
		}
		lo, hi := lo, hi
		wg.Add(1)
		utils.PanicCapturingGo(func() {
			defer wg.Done()
			fn(lo, hi)
		})
	}
	wg.Wait()
}

// mulVec computes dst = M * src for a vector of length 3n.
func (bm *blockMatrix) mulVec(dst, src []float64) {
	frozen := bm.freeze()
	bm.forEachRowChunk(func(lo, hi int) {
		for i := lo; i < hi; i++ {
			var acc [3]float64
			for _, e := range frozen[i] {
				b := &e.b
				o := 3 * e.col
				for r := 0; r < 3; r++ {
					acc[r] += b[3*r]*src[o] + b[3*r+1]*src[o+1] + b[3*r+2]*src[o+2]
				}
			}
			copy(dst[3*i:3*i+3], acc[:])
		}
	})
}

// mulDense computes dst = M * x for a 3n x p dense matrix, reusing dst when
// it has the right shape.
func (bm *blockMatrix) mulDense(dst, x *mat.Dense) {
	_, p := x.Dims()
	frozen := bm.freeze()
	bm.forEachRowChunk(func(lo, hi int) {
		for i := lo; i < hi; i++ {
			for c := 0; c < p; c++ {
				var acc [3]float64
				for _, e := range frozen[i] {
					b := &e.b
					o := 3 * e.col
					x0 := x.At(o, c)
					x1 := x.At(o+1, c)
					x2 := x.At(o+2, c)
					acc[0] += b[0]*x0 + b[1]*x1 + b[2]*x2
					acc[1] += b[3]*x0 + b[4]*x1 + b[5]*x2
					acc[2] += b[6]*x0 + b[7]*x1 + b[8]*x2
				}
				dst.Set(3*i, c, acc[0])
				dst.Set(3*i+1, c, acc[1])
				dst.Set(3*i+2, c, acc[2])
			}
		}
	})
}

// quadForm evaluates tr(x^T M x).
func (bm *blockMatrix) quadForm(x *mat.Dense) float64 {
	r, p := x.Dims()
	mx := mat.NewDense(r, p, nil)
	bm.mulDense(mx, x)
	total := 0.0
	for i := 0; i < r; i++ {
		for c := 0; c < p; c++ {
			total += x.At(i, c) * mx.At(i, c)
		}
	}
	return total
}

// normBound returns a cheap upper bound on the spectral radius: the largest
// block-row sum of Frobenius norms.
func (bm *blockMatrix) normBound() float64 {
	frozen := bm.freeze()
	bound := 0.0
	for i := 0; i < bm.n; i++ {
		rowSum := 0.0
		for _, e := range frozen[i] {
			sq := 0.0
			for k := 0; k < 9; k++ {
				sq += e.b[k] * e.b[k]
			}
			rowSum += math.Sqrt(sq)
		}
		if rowSum > bound {
			bound = rowSum
		}
	}
	return bound
}

// dense expands the matrix for diagnostics and tests. Not for use at scale.
func (bm *blockMatrix) dense() *mat.SymDense {
	d := bm.dim()
	out := mat.NewSymDense(d, nil)
	frozen := bm.freeze()
	for i := 0; i < bm.n; i++ {
		for _, e := range frozen[i] {
			if e.col < i {
				continue
			}
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					row, col := 3*i+r, 3*e.col+c
					if col >= row {
						out.SetSym(row, col, e.b[3*r+c])
					}
				}
			}
		}
	}
	return out
}
