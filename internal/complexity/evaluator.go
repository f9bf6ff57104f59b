// Package complexity scores query text for routing. The score is a pure
// function of the text: vocabulary richness and sentence structure, each
// normalized to [0,1] and combined with fixed weights.
package complexity

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Weights and normalization caps for the score. Vocabulary saturates at
// 100 words and an average word length of 10 runes; grammar saturates at
// 20 words per sentence.
const (
	vocabWeight   = 0.6
	grammarWeight = 0.4

	wordCountCap   = 100.0
	wordLengthCap  = 10.0
	sentenceLenCap = 20.0

	factorThreshold = 0.6
	longQueryWords  = 100
)

// Factor tags, reported in this order.
const (
	FactorHighVocabulary = "high_vocabulary_complexity"
	FactorComplexGrammar = "complex_grammar"
	FactorLongQuery      = "long_query"
)

// ErrUnknownFeature is returned when a caller selects a feature name
// that was never registered.
var ErrUnknownFeature = errors.New("unknown complexity feature")

// Result is the outcome of an evaluation.
type Result struct {
	Score   float64
	Factors []string
}

// FeatureFunc reports whether a named feature applies to the text. A
// returned error aborts the evaluation.
type FeatureFunc func(text string) (bool, error)

// Evaluator computes complexity scores. Extra named features only append
// factor tags; they never change the score.
type Evaluator struct {
	features map[string]FeatureFunc
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithFeature registers a named feature selectable per evaluation.
func WithFeature(name string, fn FeatureFunc) Option {
	return func(e *Evaluator) {
		e.features[name] = fn
	}
}

// New returns an Evaluator with the built-in "length" feature plus any
// registered extras.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{features: map[string]FeatureFunc{}}
	e.features["length"] = func(text string) (bool, error) {
		return len(strings.Fields(text)) > longQueryWords, nil
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate scores text with the default factors only.
func (e *Evaluator) Evaluate(text string) (Result, error) {
	return e.EvaluateWithFeatures(text, nil)
}

// EvaluateWithFeatures scores text and additionally reports the selected
// named features as factor tags, in selection order.
func (e *Evaluator) EvaluateWithFeatures(text string, features []string) (Result, error) {
	words := strings.Fields(text)
	w := len(words)

	var avgWordLen float64
	if w > 0 {
		total := 0
		for _, word := range words {
			total += utf8.RuneCountInString(word)
		}
		avgWordLen = float64(total) / float64(w)
	}
	vocab := 0.5*math.Min(float64(w)/wordCountCap, 1) +
		0.5*math.Min(avgWordLen/wordLengthCap, 1)

	sentences := countSentences(text)
	grammar := math.Min(float64(w)/float64(sentences)/sentenceLenCap, 1)

	score := vocabWeight*vocab + grammarWeight*grammar
	score = math.Max(0, math.Min(1, score))

	res := Result{Score: score, Factors: []string{}}
	if vocab > factorThreshold {
		res.Factors = append(res.Factors, FactorHighVocabulary)
	}
	if grammar > factorThreshold {
		res.Factors = append(res.Factors, FactorComplexGrammar)
	}
	if w > longQueryWords {
		res.Factors = append(res.Factors, FactorLongQuery)
	}

	for _, name := range features {
		fn, ok := e.features[name]
		if !ok {
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
		}
		hit, err := fn(text)
		if err != nil {
			return Result{}, fmt.Errorf("feature %q: %w", name, err)
		}
		if hit {
			res.Factors = append(res.Factors, name)
		}
	}
	return res, nil
}

// countSentences splits on runs of sentence terminators and counts the
// non-empty parts, with a floor of one so ratios stay defined.
func countSentences(text string) int {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	n := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}
