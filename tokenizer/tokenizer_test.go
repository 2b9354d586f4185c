package tokenizer

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestVocabEncodeDecode(t *testing.T) {
	vocab := NewVocab([]string{"cat", "dog"})

	ids := vocab.Encode("cat dog")
	catID, _ := vocab.Lookup("cat")
	dogID, _ := vocab.Lookup("dog")

	want := []int{ClsID, catID, dogID, SepID}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: expected id %d, got %d", i, want[i], ids[i])
		}
	}

	if decoded := vocab.Decode(ids); decoded != "[CLS] cat dog [SEP]" {
		t.Errorf("expected \"[CLS] cat dog [SEP]\", got %q", decoded)
	}
}

func TestVocabUnknownWords(t *testing.T) {
	vocab := NewVocab([]string{"cat"})

	ids := vocab.Encode("cat zebra")
	if ids[2] != UnkID {
		t.Errorf("expected unknown word to map to [UNK], got id %d", ids[2])
	}

	if decoded := vocab.Decode([]int{9999}); decoded != UnkToken {
		t.Errorf("expected out-of-range id to decode as [UNK], got %q", decoded)
	}
}

func TestVocabLowercases(t *testing.T) {
	vocab := NewVocab([]string{"Cat"})

	id, ok := vocab.Lookup("CAT")
	if !ok {
		t.Fatal("expected lookup to be case-insensitive")
	}
	if ids := vocab.Encode("Cat"); ids[1] != id {
		t.Errorf("expected encode to lowercase, got id %d", ids[1])
	}
}

func TestVocabReservedIDs(t *testing.T) {
	vocab := NewVocab([]string{"cat"})

	if vocab.PadID() != 0 {
		t.Errorf("expected [PAD] at id 0, got %d", vocab.PadID())
	}
	if vocab.ClsID() != 2 {
		t.Errorf("expected [CLS] at id 2, got %d", vocab.ClsID())
	}
	if vocab.SepID() != 3 {
		t.Errorf("expected [SEP] at id 3, got %d", vocab.SepID())
	}
	if vocab.SepToken() != "[SEP]" {
		t.Errorf("expected separator [SEP], got %q", vocab.SepToken())
	}
	if len(vocab.AllSpecialTokens()) != 5 {
		t.Errorf("expected 5 structural tokens, got %d", len(vocab.AllSpecialTokens()))
	}
}

func TestVocabDropsDuplicates(t *testing.T) {
	vocab := NewVocab([]string{"cat", "cat", "[PAD]", "dog"})

	// 5 specials plus cat and dog
	if vocab.VocabSize() != 7 {
		t.Errorf("expected vocab size 7, got %d", vocab.VocabSize())
	}
}

func TestVocabFromCorpusFrequencyOrder(t *testing.T) {
	vocab := VocabFromCorpus([]string{"cat cat cat dog", "dog bird"})

	catID, _ := vocab.Lookup("cat")
	dogID, _ := vocab.Lookup("dog")
	birdID, _ := vocab.Lookup("bird")

	if !(catID < dogID && dogID < birdID) {
		t.Errorf("expected frequency-ordered ids, got cat=%d dog=%d bird=%d", catID, dogID, birdID)
	}
}

func TestVocabToken(t *testing.T) {
	vocab := NewVocab([]string{"cat"})

	token, err := vocab.Token(ClsID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != ClsToken {
		t.Errorf("expected %q, got %q", ClsToken, token)
	}

	if _, err := vocab.Token(-1); err == nil {
		t.Error("expected an error for a negative id, got nil")
	}
	if _, err := vocab.Token(vocab.VocabSize()); err == nil {
		t.Error("expected an error for an out-of-range id, got nil")
	}
}

func TestBPEEncodeDecode(t *testing.T) {
	bpe, err := NewBPE("cl100k_base")
	if err != nil {
		t.Skipf("BPE encoding unavailable: %v", err)
	}

	ids := bpe.Encode("what is the cat doing")
	if ids[0] != ClsID {
		t.Errorf("expected leading [CLS], got id %d", ids[0])
	}
	if ids[len(ids)-1] != SepID {
		t.Errorf("expected trailing [SEP], got id %d", ids[len(ids)-1])
	}

	decoded := bpe.Decode(ids)
	if !strings.Contains(decoded, "what is the cat doing") {
		t.Errorf("expected the text to round-trip, got %q", decoded)
	}
	if !strings.HasPrefix(decoded, ClsToken) {
		t.Errorf("expected decoded string to start with [CLS], got %q", decoded)
	}
}

func TestBPEFreeze(t *testing.T) {
	bpe, err := NewBPE("cl100k_base")
	if err != nil {
		t.Skipf("BPE encoding unavailable: %v", err)
	}

	bpe.Encode("what is the cat doing")
	size := bpe.VocabSize()

	bpe.Freeze()
	ids := bpe.Encode("zygomorphic quux")
	if bpe.VocabSize() != size {
		t.Errorf("expected a frozen vocabulary to stop growing, grew from %d to %d", size, bpe.VocabSize())
	}

	sawUnk := false
	for _, id := range ids[1 : len(ids)-1] {
		if id == UnkID {
			sawUnk = true
		}
	}
	if !sawUnk {
		t.Error("expected unseen tokens to map to [UNK] after freezing")
	}
}

func TestBPETableRoundTrip(t *testing.T) {
	bpe, err := NewBPE("cl100k_base")
	if err != nil {
		t.Skipf("BPE encoding unavailable: %v", err)
	}

	text := "what is the cat doing"
	wantIDs := bpe.Encode(text)

	path := filepath.Join(t.TempDir(), "bpe_table.json")
	if err := bpe.SaveTable(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := LoadBPE(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if loaded.VocabSize() != bpe.VocabSize() {
		t.Errorf("expected vocab size %d, got %d", bpe.VocabSize(), loaded.VocabSize())
	}

	gotIDs := loaded.Encode(text)
	if len(gotIDs) != len(wantIDs) {
		t.Fatalf("expected %d ids, got %d", len(wantIDs), len(gotIDs))
	}
	for i := range wantIDs {
		if gotIDs[i] != wantIDs[i] {
			t.Errorf("position %d: expected id %d, got %d", i, wantIDs[i], gotIDs[i])
		}
	}

	if decoded := loaded.Decode(gotIDs); !strings.Contains(decoded, text) {
		t.Errorf("expected the text to round-trip, got %q", decoded)
	}

	// A restored tokenizer is frozen so dataset ids stay stable
	size := loaded.VocabSize()
	unseen := loaded.Encode("zygomorphic quux")
	if loaded.VocabSize() != size {
		t.Errorf("expected a restored vocabulary to stay fixed, grew from %d to %d", size, loaded.VocabSize())
	}
	sawUnk := false
	for _, id := range unseen[1 : len(unseen)-1] {
		if id == UnkID {
			sawUnk = true
		}
	}
	if !sawUnk {
		t.Error("expected unseen tokens to map to [UNK] after restoring")
	}
}

func TestLoadBPEMissingFile(t *testing.T) {
	if _, err := LoadBPE(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing table, got nil")
	}
}
