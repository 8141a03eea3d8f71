// Package tokenizer maps text to the compact local vocabulary the model is
// trained on. Two modes exist: "char" (one id per rune seen in the corpus) and
// "bpe" (tiktoken ids seen in the corpus, remapped to dense local ids).
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"instructune/internal/common/fsutil"
)

const (
	ModeChar = "char"
	ModeBPE  = "bpe"

	// FileName is the tokenizer artifact written next to weights.
	FileName = "tokenizer.json"
)

// getEncoding is swapped in tests; tiktoken fetches rank files on first use.
var getEncoding = tiktoken.GetEncoding

// Tokenizer encodes text into local ids. Regular ids occupy [0, n); the three
// special ids follow: EOS, BOS, UNK.
type Tokenizer struct {
	Mode     string
	Encoding string

	runeToID map[rune]int
	idToRune []rune

	bpe     *tiktoken.Tiktoken
	bpeToID map[int]int
	idToBPE []int
	regular int
}

// file is the on-disk form of a Tokenizer.
type file struct {
	Version     int      `json:"version"`
	Mode        string   `json:"mode"`
	Encoding    string   `json:"encoding,omitempty"`
	Vocab       []string `json:"vocab,omitempty"`
	BPETokenIDs []int    `json:"bpe_token_ids,omitempty"`
	EOS         int      `json:"eos_token_id"`
	BOS         int      `json:"bos_token_id"`
	UNK         int      `json:"unk_token_id"`
}

// Build creates a tokenizer whose vocabulary covers corpus.
func Build(mode, encoding string, corpus []string) (*Tokenizer, error) {
	switch mode {
	case ModeChar, "":
		set := map[rune]struct{}{}
		for _, doc := range corpus {
			for _, r := range doc {
				set[r] = struct{}{}
			}
		}
		runes := make([]rune, 0, len(set))
		for r := range set {
			runes = append(runes, r)
		}
		sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
		return newChar(runes), nil
	case ModeBPE:
		enc, err := getEncoding(encoding)
		if err != nil {
			return nil, fmt.Errorf("tiktoken encoding %q: %w", encoding, err)
		}
		set := map[int]struct{}{}
		for _, doc := range corpus {
			for _, id := range enc.EncodeOrdinary(doc) {
				set[id] = struct{}{}
			}
		}
		ids := make([]int, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		return newBPE(encoding, enc, ids), nil
	default:
		return nil, fmt.Errorf("unknown tokenizer mode %q", mode)
	}
}

func newChar(runes []rune) *Tokenizer {
	m := make(map[rune]int, len(runes))
	for i, r := range runes {
		m[r] = i
	}
	return &Tokenizer{Mode: ModeChar, runeToID: m, idToRune: runes, regular: len(runes)}
}

func newBPE(encoding string, enc *tiktoken.Tiktoken, ids []int) *Tokenizer {
	m := make(map[int]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return &Tokenizer{Mode: ModeBPE, Encoding: encoding, bpe: enc, bpeToID: m, idToBPE: ids, regular: len(ids)}
}

func (t *Tokenizer) EOS() int       { return t.regular }
func (t *Tokenizer) BOS() int       { return t.regular + 1 }
func (t *Tokenizer) UNK() int       { return t.regular + 2 }
func (t *Tokenizer) VocabSize() int { return t.regular + 3 }

// IsSpecial reports whether id is one of EOS, BOS, UNK.
func (t *Tokenizer) IsSpecial(id int) bool { return id >= t.regular }

// Encode maps text to local ids; out-of-vocabulary pieces become UNK.
func (t *Tokenizer) Encode(text string) []int {
	if t.Mode == ModeBPE {
		raw := t.bpe.EncodeOrdinary(text)
		out := make([]int, len(raw))
		for i, id := range raw {
			if local, ok := t.bpeToID[id]; ok {
				out[i] = local
			} else {
				out[i] = t.UNK()
			}
		}
		return out
	}
	out := make([]int, 0, len(text))
	for _, r := range text {
		if id, ok := t.runeToID[r]; ok {
			out = append(out, id)
		} else {
			out = append(out, t.UNK())
		}
	}
	return out
}

// Decode maps ids back to text, dropping special ids.
func (t *Tokenizer) Decode(ids []int) string {
	if t.Mode == ModeBPE {
		raw := make([]int, 0, len(ids))
		for _, id := range ids {
			if id >= 0 && id < t.regular {
				raw = append(raw, t.idToBPE[id])
			}
		}
		return t.bpe.Decode(raw)
	}
	var b strings.Builder
	for _, id := range ids {
		if id >= 0 && id < t.regular {
			b.WriteRune(t.idToRune[id])
		}
	}
	return b.String()
}

// Save writes tokenizer.json into dir.
func (t *Tokenizer) Save(dir string) error {
	f := file{Version: 1, Mode: t.Mode, Encoding: t.Encoding, EOS: t.EOS(), BOS: t.BOS(), UNK: t.UNK()}
	if t.Mode == ModeBPE {
		f.BPETokenIDs = t.idToBPE
	} else {
		f.Vocab = make([]string, len(t.idToRune))
		for i, r := range t.idToRune {
			f.Vocab[i] = string(r)
		}
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, FileName), b, 0o644)
}

// Load reads tokenizer.json from dir.
func Load(dir string) (*Tokenizer, error) {
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	var f file
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	switch f.Mode {
	case ModeBPE:
		enc, err := getEncoding(f.Encoding)
		if err != nil {
			return nil, fmt.Errorf("tiktoken encoding %q: %w", f.Encoding, err)
		}
		return newBPE(f.Encoding, enc, f.BPETokenIDs), nil
	case ModeChar:
		runes := make([]rune, 0, len(f.Vocab))
		for _, s := range f.Vocab {
			r, size := utf8.DecodeRuneInString(s)
			if size == 0 || size != len(s) {
				return nil, fmt.Errorf("invalid vocab token %q: expected one rune", s)
			}
			runes = append(runes, r)
		}
		if len(runes) == 0 {
			return nil, fmt.Errorf("tokenizer has empty character vocab")
		}
		return newChar(runes), nil
	default:
		return nil, fmt.Errorf("unknown tokenizer mode %q", f.Mode)
	}
}
