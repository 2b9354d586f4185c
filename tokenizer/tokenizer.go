// Package tokenizer provides the token boundary for question generation:
// encoding keyword/question text into ids and decoding generated ids back
// into strings, with BERT-style structural tokens.
package tokenizer

import (
	"fmt"
	"sort"
	"strings"
)

// Special token strings shared by all tokenizers
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// Reserved ids for the special tokens
const (
	PadID = iota
	UnkID
	ClsID
	SepID
	MaskID
	numSpecials
)

// Tokenizer defines the interface the training loop consumes: decoding of
// token-id sequences and introspection of the structural tokens.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	AllSpecialTokens() []string
	SepToken() string
	ClsID() int
	SepID() int
	PadID() int
	VocabSize() int
}

// Vocab is a whitespace word-level tokenizer with a fixed vocabulary and
// BERT-style special tokens. Encode wraps sequences as [CLS] ... [SEP].
type Vocab struct {
	tokens []string
	index  map[string]int
}

// NewVocab creates a tokenizer over the given word list. Words are
// lowercased; duplicates and special-token collisions are dropped.
func NewVocab(words []string) *Vocab {
	v := &Vocab{
		tokens: []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken},
		index:  make(map[string]int, len(words)+numSpecials),
	}
	for i, tok := range v.tokens {
		v.index[tok] = i
	}

	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		if _, ok := v.index[word]; ok {
			continue
		}
		v.index[word] = len(v.tokens)
		v.tokens = append(v.tokens, word)
	}

	return v
}

// VocabFromCorpus builds a vocabulary from whitespace-tokenized texts,
// ordered by descending frequency for stable ids.
func VocabFromCorpus(texts []string) *Vocab {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, word := range strings.Fields(strings.ToLower(text)) {
			counts[word]++
		}
	}

	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	return NewVocab(words)
}

// Encode tokenizes text and wraps it as [CLS] tokens... [SEP]
func (v *Vocab) Encode(text string) []int {
	words := strings.Fields(strings.ToLower(text))
	ids := make([]int, 0, len(words)+2)
	ids = append(ids, ClsID)
	for _, word := range words {
		if id, ok := v.index[word]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, UnkID)
		}
	}
	ids = append(ids, SepID)
	return ids
}

// Decode maps ids back to a space-joined string
func (v *Vocab) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(v.tokens) {
			words = append(words, UnkToken)
			continue
		}
		words = append(words, v.tokens[id])
	}
	return strings.Join(words, " ")
}

// AllSpecialTokens returns the structural tokens
func (v *Vocab) AllSpecialTokens() []string {
	return []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}
}

// SepToken returns the end-of-sequence marker
func (v *Vocab) SepToken() string { return SepToken }

// ClsID returns the id of the [CLS] token
func (v *Vocab) ClsID() int { return ClsID }

// SepID returns the id of the [SEP] token
func (v *Vocab) SepID() int { return SepID }

// PadID returns the id of the [PAD] token
func (v *Vocab) PadID() int { return PadID }

// VocabSize returns the number of tokens, specials included
func (v *Vocab) VocabSize() int { return len(v.tokens) }

// Lookup returns the id for a token, if present
func (v *Vocab) Lookup(token string) (int, bool) {
	id, ok := v.index[strings.ToLower(token)]
	return id, ok
}

// Token returns the token string for an id
func (v *Vocab) Token(id int) (string, error) {
	if id < 0 || id >= len(v.tokens) {
		return "", fmt.Errorf("token id %d out of range [0, %d)", id, len(v.tokens))
	}
	return v.tokens[id], nil
}
