package dataset

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
)

type TokenizerOptions struct {
	Lowercase  bool
	StripPunct bool
	// MaxTokens truncates each value; 0 means unlimited.
	MaxTokens int
}

// Tokens splits text on whitespace according to opts.
func Tokens(text string, opts TokenizerOptions) []string {
	if opts.Lowercase {
		text = strings.ToLower(text)
	}
	if opts.StripPunct {
		text = strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return ' '
			}
			return r
		}, text)
	}
	tokens := strings.Fields(text)
	if opts.MaxTokens > 0 && len(tokens) > opts.MaxTokens {
		tokens = tokens[:opts.MaxTokens]
	}
	return tokens
}

// Tokenize rewrites column as space-joined tokens.
func Tokenize(t *Table, column string, opts TokenizerOptions) (*Table, error) {
	idx, err := t.ColumnIndex(column)
	if err != nil {
		return nil, err
	}
	out := t.clone()
	for _, row := range out.Rows {
		if idx < len(row) {
			row[idx] = strings.Join(Tokens(row[idx], opts), " ")
		}
	}
	return out, nil
}

// Vocab maps tokens to ids. Id 0 is reserved for out-of-vocabulary tokens.
type Vocab map[string]int

// BuildVocab counts whitespace tokens in column and keeps those seen at least
// minCount times. Ids follow descending frequency, ties broken alphabetically.
func BuildVocab(t *Table, column string, minCount int) (Vocab, error) {
	idx, err := t.ColumnIndex(column)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, row := range t.Rows {
		if idx >= len(row) {
			continue
		}
		for _, tok := range strings.Fields(row[idx]) {
			counts[tok]++
		}
	}
	words := make([]string, 0, len(counts))
	for w, c := range counts {
		if c >= minCount {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	vocab := make(Vocab, len(words))
	for i, w := range words {
		vocab[w] = i + 1
	}
	return vocab, nil
}

// Encode replaces each token in column with its vocabulary id.
func Encode(t *Table, column string, vocab Vocab) (*Table, error) {
	idx, err := t.ColumnIndex(column)
	if err != nil {
		return nil, err
	}
	out := t.clone()
	for _, row := range out.Rows {
		if idx >= len(row) {
			continue
		}
		tokens := strings.Fields(row[idx])
		ids := make([]string, len(tokens))
		for i, tok := range tokens {
			ids[i] = strconv.Itoa(vocab[tok])
		}
		row[idx] = strings.Join(ids, " ")
	}
	return out, nil
}
