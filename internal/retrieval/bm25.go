package retrieval

import (
	"math"
	"sort"

	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/util"
)

// bm25Index scores candidate chunks against query terms with BM25
// (k1=1.2, b=0.75). The index is built per request over the chunks that
// pass the metadata filter, so it is always consistent with tenancy.
type bm25Index struct {
	docs      []models.Chunk
	termFreqs []map[string]int
	docLens   []float64
	docFreq   map[string]int
	avgDocLen float64
	k1        float64
	b         float64
}

func newBM25Index(docs []models.Chunk) *bm25Index {
	idx := &bm25Index{
		docs:    docs,
		docFreq: make(map[string]int),
		k1:      1.2,
		b:       0.75,
	}

	var totalLen float64
	for _, doc := range docs {
		terms := util.Tokenize(doc.Text)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		for t := range tf {
			idx.docFreq[t]++
		}
		idx.termFreqs = append(idx.termFreqs, tf)
		idx.docLens = append(idx.docLens, float64(len(terms)))
		totalLen += float64(len(terms))
	}
	if len(docs) > 0 {
		idx.avgDocLen = totalLen / float64(len(docs))
	}
	return idx
}

// idf = log((N - df + 0.5) / (df + 0.5) + 1)
func (idx *bm25Index) idf(term string) float64 {
	df := float64(idx.docFreq[term])
	n := float64(len(idx.docs))
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// search returns up to k chunks by descending BM25 score. Chunks that
// match no query term are omitted.
func (idx *bm25Index) search(query string, k int) []models.ScoredChunk {
	qTerms := util.Tokenize(query)
	if len(qTerms) == 0 || len(idx.docs) == 0 || idx.avgDocLen == 0 {
		return nil
	}

	scored := make([]models.ScoredChunk, 0, len(idx.docs))
	for i := range idx.docs {
		docLen := idx.docLens[i]
		var score float64
		for _, t := range qTerms {
			tf := float64(idx.termFreqs[i][t])
			if tf == 0 {
				continue
			}
			denom := tf + idx.k1*(1-idx.b+idx.b*(docLen/idx.avgDocLen))
			score += idx.idf(t) * (tf * (idx.k1 + 1)) / denom
		}
		if score > 0 {
			scored = append(scored, models.ScoredChunk{Chunk: idx.docs[i], Score: score})
		}
	}

	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
