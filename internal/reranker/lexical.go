package reranker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// Metric selects how lexical vectors are compared with the query.
type Metric string

const (
	Cosine    Metric = "Cosine"
	Euclidean Metric = "Euclidean"
	Manhattan Metric = "Manhattan"
	BM25      Metric = "BM25"
)

// Metrics lists the supported metrics in display order.
var Metrics = []Metric{Cosine, Euclidean, Manhattan, BM25}

// BM25 Okapi parameters.
const (
	bm25K1      = 1.5
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

// ParseMetric resolves a metric name case-insensitively.
func ParseMetric(name string) (Metric, bool) {
	for _, m := range Metrics {
		if strings.EqualFold(string(m), strings.TrimSpace(name)) {
			return m, true
		}
	}
	return "", false
}

// ascending reports whether smaller scores rank higher.
func (m Metric) ascending() bool {
	return m == Euclidean || m == Manhattan
}

// Lexical ranks documents by TF-IDF similarity or BM25 score against the
// query.
type Lexical struct {
	Source
	Metric Metric

	// requested holds an unsupported metric name, reported once per run.
	requested string
}

// NewLexical returns a lexical reranker. Unknown metric names fall back to
// Cosine and produce a warning when the step runs.
func NewLexical(src Source, metric string) *Lexical {
	l := &Lexical{Source: src}
	m, ok := ParseMetric(metric)
	if !ok {
		m = Cosine
		l.requested = metric
	}
	l.Metric = m
	return l
}

// Transform implements pipeline.Step.
func (l *Lexical) Transform(_ context.Context, s *pipeline.State, h *pipeline.Handler) error {
	texts, err := l.texts(s)
	if err != nil {
		return err
	}
	if l.requested != "" {
		h.Warn(pipeline.Warning{
			Kind:    pipeline.WarnUnknownMetric,
			Message: fmt.Sprintf("similarity metric %q is not supported, using %s", l.requested, Cosine),
		})
	}

	h.UpdateProgress(0, 1)
	query := l.query(s)

	var scores []float64
	if l.Metric == BM25 {
		scores = bm25Scores(texts, query)
	} else {
		docs, q := tfidfVectors(texts, query)
		scores = make([]float64, len(docs))
		for i, d := range docs {
			switch l.Metric {
			case Euclidean:
				scores[i] = euclidean(d, q)
			case Manhattan:
				scores[i] = manhattan(d, q)
			default:
				scores[i] = dot(d, q)
			}
		}
	}

	col, err := writeScores(s, scores, l.Metric.ascending())
	if err != nil {
		return err
	}
	h.IncrementProgress()
	h.Logf("ranked %d documents by %s into %s", len(texts), l.Metric, col)
	return nil
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit. Single-character tokens are dropped.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	tokens := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

type vector map[string]float64

// tfidfVectors embeds the query as an extra pseudo document so both share
// one vocabulary and idf table, then splits it back out. Weights use the
// smoothed idf ln((1+n)/(1+df))+1 and every vector is l2-normalized.
func tfidfVectors(texts []string, query string) ([]vector, vector) {
	corpus := make([][]string, 0, len(texts)+1)
	for _, t := range texts {
		corpus = append(corpus, tokenize(t))
	}
	corpus = append(corpus, tokenize(query))

	df := make(map[string]int)
	for _, tokens := range corpus {
		seen := make(map[string]bool, len(tokens))
		for _, tok := range tokens {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	n := float64(len(corpus))
	vectors := make([]vector, len(corpus))
	for i, tokens := range corpus {
		v := make(vector, len(tokens))
		for _, tok := range tokens {
			v[tok]++
		}
		var norm float64
		for tok, tf := range v {
			w := tf * (math.Log((1+n)/(1+float64(df[tok]))) + 1)
			v[tok] = w
			norm += w * w
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for tok := range v {
				v[tok] /= norm
			}
		}
		vectors[i] = v
	}
	return vectors[:len(texts)], vectors[len(texts)]
}

// dot is the cosine similarity of two l2-normalized vectors.
func dot(a, b vector) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var sum float64
	for tok, w := range a {
		sum += w * b[tok]
	}
	return sum
}

func euclidean(a, b vector) float64 {
	var sum float64
	for tok, w := range a {
		d := w - b[tok]
		sum += d * d
	}
	for tok, w := range b {
		if _, ok := a[tok]; !ok {
			sum += w * w
		}
	}
	return math.Sqrt(sum)
}

func manhattan(a, b vector) float64 {
	var sum float64
	for tok, w := range a {
		sum += math.Abs(w - b[tok])
	}
	for tok, w := range b {
		if _, ok := a[tok]; !ok {
			sum += math.Abs(w)
		}
	}
	return sum
}

// bm25Scores scores each document against query with BM25 Okapi. Terms
// whose idf would be negative get epsilon times the mean idf instead.
func bm25Scores(texts []string, query string) []float64 {
	corpus := make([]map[string]int, len(texts))
	lengths := make([]int, len(texts))
	df := make(map[string]int)
	var total int
	for i, t := range texts {
		tokens := tokenize(t)
		freq := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freq[tok]++
		}
		for tok := range freq {
			df[tok]++
		}
		corpus[i] = freq
		lengths[i] = len(tokens)
		total += len(tokens)
	}

	scores := make([]float64, len(texts))
	if len(texts) == 0 {
		return scores
	}
	avgdl := float64(total) / float64(len(texts))

	n := float64(len(texts))
	idf := make(map[string]float64, len(df))
	var idfSum float64
	var negative []string
	for tok, f := range df {
		v := math.Log(n-float64(f)+0.5) - math.Log(float64(f)+0.5)
		idf[tok] = v
		idfSum += v
		if v < 0 {
			negative = append(negative, tok)
		}
	}
	if len(idf) > 0 {
		floor := bm25Epsilon * idfSum / float64(len(idf))
		for _, tok := range negative {
			idf[tok] = floor
		}
	}

	for _, q := range tokenize(query) {
		w, ok := idf[q]
		if !ok {
			continue
		}
		for i, freq := range corpus {
			tf := float64(freq[q])
			if tf == 0 {
				continue
			}
			norm := 1 - bm25B
			if avgdl > 0 {
				norm += bm25B * float64(lengths[i]) / avgdl
			}
			scores[i] += w * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
	}
	return scores
}

var _ pipeline.Step = (*Lexical)(nil)
