package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// BPE is a Tokenizer backed by a tiktoken BPE encoding. BPE ids are mapped
// into a compact local id space so the model vocabulary only covers ids that
// actually occur; the BERT-style specials keep their reserved local ids.
type BPE struct {
	enc        *tiktoken.Tiktoken
	encoding   string
	localToBPE []int
	bpeToLocal map[int]int
	frozen     bool
	mutex      sync.RWMutex
}

// NewBPE creates a BPE tokenizer for the named tiktoken encoding
// (e.g. "cl100k_base"). The local id table grows as new BPE ids are seen
// until Freeze is called.
func NewBPE(encoding string) (*BPE, error) {
	name := strings.TrimSpace(encoding)
	if name == "" {
		name = "cl100k_base"
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPE encoding %s: %v", name, err)
	}

	return &BPE{
		enc:        enc,
		encoding:   name,
		bpeToLocal: make(map[int]int),
	}, nil
}

// Freeze stops the local id table from growing; unseen BPE ids map to [UNK]
func (b *BPE) Freeze() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.frozen = true
}

// Encode tokenizes text and wraps it as [CLS] ids... [SEP]
func (b *BPE) Encode(text string) []int {
	raw := b.enc.EncodeOrdinary(text)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	ids := make([]int, 0, len(raw)+2)
	ids = append(ids, ClsID)
	for _, bpeID := range raw {
		if local, ok := b.bpeToLocal[bpeID]; ok {
			ids = append(ids, local)
			continue
		}
		if b.frozen {
			ids = append(ids, UnkID)
			continue
		}
		local := numSpecials + len(b.localToBPE)
		b.bpeToLocal[bpeID] = local
		b.localToBPE = append(b.localToBPE, bpeID)
		ids = append(ids, local)
	}
	ids = append(ids, SepID)
	return ids
}

// Decode maps local ids back to a string. Structural tokens decode to their
// bracketed names so downstream filtering can remove them by string match.
func (b *BPE) Decode(ids []int) string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	specials := []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}

	var sb strings.Builder
	pending := make([]int, 0, len(ids))
	flush := func() {
		if len(pending) == 0 {
			return
		}
		sb.WriteString(b.enc.Decode(pending))
		pending = pending[:0]
	}

	for _, id := range ids {
		if id >= 0 && id < numSpecials {
			flush()
			if sb.Len() > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(specials[id])
			continue
		}
		localIdx := id - numSpecials
		if localIdx < 0 || localIdx >= len(b.localToBPE) {
			flush()
			if sb.Len() > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(UnkToken)
			continue
		}
		pending = append(pending, b.localToBPE[localIdx])
	}
	flush()

	return strings.TrimSpace(sb.String())
}

// AllSpecialTokens returns the structural tokens
func (b *BPE) AllSpecialTokens() []string {
	return []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}
}

// SepToken returns the end-of-sequence marker
func (b *BPE) SepToken() string { return SepToken }

// ClsID returns the id of the [CLS] token
func (b *BPE) ClsID() int { return ClsID }

// SepID returns the id of the [SEP] token
func (b *BPE) SepID() int { return SepID }

// PadID returns the id of the [PAD] token
func (b *BPE) PadID() int { return PadID }

// VocabSize returns the current local vocabulary size, specials included
func (b *BPE) VocabSize() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return numSpecials + len(b.localToBPE)
}

// bpeTable is the serialized local-to-BPE id mapping
type bpeTable struct {
	Encoding   string `json:"encoding"`
	LocalToBPE []int  `json:"local_to_bpe"`
}

// SaveTable writes the local id mapping to path. Pre-tokenized datasets only
// stay valid across runs when the tokenizer that produced them is restored
// from the same table.
func (b *BPE) SaveTable(path string) error {
	b.mutex.RLock()
	table := bpeTable{
		Encoding:   b.encoding,
		LocalToBPE: append([]int(nil), b.localToBPE...),
	}
	b.mutex.RUnlock()

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode tokenizer table: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write tokenizer table: %v", err)
	}
	return nil
}

// LoadBPE restores a BPE tokenizer from a saved table. The restored
// tokenizer is frozen, so the local id space matches the run that wrote the
// table exactly and unseen BPE ids map to [UNK].
func LoadBPE(path string) (*BPE, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer table: %v", err)
	}

	var table bpeTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to decode tokenizer table %s: %v", path, err)
	}

	b, err := NewBPE(table.Encoding)
	if err != nil {
		return nil, err
	}

	for local, bpeID := range table.LocalToBPE {
		if _, ok := b.bpeToLocal[bpeID]; ok {
			return nil, fmt.Errorf("tokenizer table %s repeats BPE id %d", path, bpeID)
		}
		b.bpeToLocal[bpeID] = numSpecials + local
	}
	b.localToBPE = append([]int(nil), table.LocalToBPE...)
	b.frozen = true

	return b, nil
}
