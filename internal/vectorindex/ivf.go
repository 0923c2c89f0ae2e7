package vectorindex

import (
	"sort"

	"github.com/seanblong/repoquery/pkg/models"
)

const kmeansIterations = 10

// ivf is an inverted-file index: entries are partitioned by their nearest
// centroid and a search only scores the lists of the closest centroids.
// Recall is exact when probes >= len(lists).
type ivf struct {
	centroids [][]float32
	lists     [][]int
}

// buildIVF runs spherical k-means over unit vectors. Initial centroids are
// evenly spaced entries, so the result depends only on the input.
func buildIVF(entries []models.IndexEntry, nlist int) *ivf {
	n := len(entries)
	if nlist > n {
		nlist = n
	}
	if nlist < 1 {
		nlist = 1
	}
	dim := len(entries[0].Vector)

	centroids := make([][]float32, nlist)
	for c := range centroids {
		centroids[c] = append([]float32(nil), entries[c*n/nlist].Vector...)
	}

	assign := make([]int, n)
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, e := range entries {
			c := nearest(centroids, e.Vector)
			if iter == 0 || c != assign[i] {
				changed = true
			}
			assign[i] = c
		}
		if !changed {
			break
		}

		sums := make([][]float64, nlist)
		counts := make([]int, nlist)
		for i, e := range entries {
			c := assign[i]
			if sums[c] == nil {
				sums[c] = make([]float64, dim)
			}
			for d, x := range e.Vector {
				sums[c][d] += float64(x)
			}
			counts[c]++
		}
		for c := range centroids {
			// an empty cluster keeps its previous centroid
			if counts[c] == 0 {
				continue
			}
			mean := make([]float32, dim)
			for d := range mean {
				mean[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = normalize(mean)
		}
	}

	lists := make([][]int, nlist)
	for i, e := range entries {
		c := nearest(centroids, e.Vector)
		lists[c] = append(lists[c], i)
	}
	return &ivf{centroids: centroids, lists: lists}
}

// nearest returns the centroid with the highest similarity, lowest index on ties.
func nearest(centroids [][]float32, v []float32) int {
	best, bestScore := 0, dot(centroids[0], v)
	for c := 1; c < len(centroids); c++ {
		if s := dot(centroids[c], v); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// candidates returns the entry indexes in the probes closest lists, ascending.
func (x *ivf) candidates(q []float32, probes int) []int {
	if probes < 1 {
		probes = 1
	}
	if probes >= len(x.lists) {
		return nil
	}

	order := make([]scored, len(x.centroids))
	for c := range x.centroids {
		order[c] = scored{idx: c, score: dot(x.centroids[c], q)}
	}
	sort.Slice(order, func(i, j int) bool { return better(order[i], order[j]) })

	out := []int{}
	for _, o := range order[:probes] {
		out = append(out, x.lists[o.idx]...)
	}
	sort.Ints(out)
	return out
}
