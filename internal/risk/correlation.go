package risk

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// CorrelationMatrix computes Pearson correlations between the return series
// of each instrument over their common trailing window. Instruments with
// fewer than two returns are left out. Zero-variance pairs report 0.
func CorrelationMatrix(series map[domain.Instrument][]float64) ([]domain.Instrument, [][]float64) {
	insts := make([]domain.Instrument, 0, len(series))
	window := math.MaxInt
	for inst, r := range series {
		if len(r) < minObservations {
			continue
		}
		insts = append(insts, inst)
		window = min(window, len(r))
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i] < insts[j] })
	if len(insts) < 2 {
		return insts, identity(len(insts))
	}

	data := mat.NewDense(window, len(insts), nil)
	for j, inst := range insts {
		r := series[inst]
		tail := r[len(r)-window:]
		for i, v := range tail {
			data.Set(i, j, v)
		}
	}
	var sym mat.SymDense
	stat.CorrelationMatrix(&sym, data, nil)

	out := make([][]float64, len(insts))
	for i := range out {
		out[i] = make([]float64, len(insts))
		for j := range out[i] {
			v := sym.At(i, j)
			if math.IsNaN(v) {
				v = 0
			}
			if i == j {
				v = 1
			}
			out[i][j] = v
		}
	}
	return insts, out
}

func identity(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		out[i][i] = 1
	}
	return out
}

// PairStats returns the maximum and mean off-diagonal correlation.
func PairStats(m [][]float64) (maxCorr, avgCorr float64) {
	var sum float64
	n := 0
	for i := range m {
		for j := i + 1; j < len(m[i]); j++ {
			if n == 0 || m[i][j] > maxCorr {
				maxCorr = m[i][j]
			}
			sum += m[i][j]
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return maxCorr, sum / float64(n)
}
