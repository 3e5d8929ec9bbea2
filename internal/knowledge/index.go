/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package knowledge is the read-only retrieval side of the operational
// knowledge index: keyword search over indexed documents returning ranked
// passages the Overseer cites in its decisions.
package knowledge

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// Passage is one ranked retrieval result.
type Passage struct {
	// Source is the document path relative to the index root
	Source string
	// Text is the passage body
	Text string
	// Score is the retrieval score, higher is better
	Score float64
}

// Index is an in-memory keyword index over the documents under one directory.
type Index struct {
	root     string
	passages []indexedPassage
	// df counts how many passages contain each term
	df     map[string]int
	logger *zap.Logger
}

type indexedPassage struct {
	source string
	text   string
	terms  map[string]int
	length float64
}

// Load builds the index from every .md and .txt file under root. A missing
// directory yields an empty index rather than an error so deployments without
// operational documents still start.
func Load(root string, logger *zap.Logger) (*Index, error) {
	idx := &Index{root: root, df: make(map[string]int), logger: logger}
	if root == "" {
		return idx, nil
	}
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		logger.Info("knowledge index path absent, starting empty", zap.String("path", root))
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading knowledge index path: %w", err)
	}
	if !info.IsDir() {
		return nil, contracts.NewValidation("knowledge_index.path", fmt.Sprintf("%s is not a directory", root))
	}

	err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
		default:
			return nil
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		idx.ingest(rel, string(body))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking knowledge index: %w", err)
	}
	logger.Info("knowledge index loaded",
		zap.String("path", root),
		zap.Int("passages", len(idx.passages)))
	return idx, nil
}

// ingest splits a document into paragraph passages and indexes their terms.
func (idx *Index) ingest(source, body string) {
	for _, para := range strings.Split(body, "\n\n") {
		text := strings.TrimSpace(para)
		if len(text) < 40 {
			continue
		}
		terms := tokenize(text)
		if len(terms) == 0 {
			continue
		}
		var length float64
		for _, n := range terms {
			length += float64(n)
		}
		for term := range terms {
			idx.df[term]++
		}
		idx.passages = append(idx.passages, indexedPassage{
			source: source,
			text:   text,
			terms:  terms,
			length: length,
		})
	}
}

// Query returns up to limit passages ranked by TF-IDF overlap with the query.
func (idx *Index) Query(query string, limit int) []Passage {
	if limit <= 0 {
		limit = 5
	}
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(idx.passages) == 0 {
		return nil
	}
	total := float64(len(idx.passages))

	var results []Passage
	for _, p := range idx.passages {
		var score float64
		for term := range queryTerms {
			tf, ok := p.terms[term]
			if !ok {
				continue
			}
			idf := math.Log(1 + total/float64(idx.df[term]))
			score += (float64(tf) / p.length) * idf
		}
		if score > 0 {
			results = append(results, Passage{Source: p.source, Text: p.text, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Source < results[j].Source
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Size reports how many passages are indexed.
func (idx *Index) Size() int { return len(idx.passages) }

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "to": true, "was": true, "which": true, "with": true,
}

func tokenize(s string) map[string]int {
	terms := make(map[string]int)
	var sb strings.Builder
	flush := func() {
		if sb.Len() < 3 {
			sb.Reset()
			return
		}
		term := strings.ToLower(sb.String())
		sb.Reset()
		if !stopwords[term] {
			terms[term]++
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return terms
}
