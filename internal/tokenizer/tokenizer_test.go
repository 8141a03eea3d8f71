package tokenizer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

func TestCharRoundTrip(t *testing.T) {
	tok, err := Build(ModeChar, "", []string{"hello world", "héllo"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ids := tok.Encode("hello héllo")
	if got := tok.Decode(ids); got != "hello héllo" {
		t.Fatalf("decode=%q", got)
	}
	if tok.VocabSize() != tok.UNK()+1 || tok.EOS() >= tok.BOS() {
		t.Fatalf("special ids out of order")
	}
	for _, id := range ids {
		if tok.IsSpecial(id) {
			t.Fatalf("unexpected special id %d", id)
		}
	}
}

func TestCharUnknownAndSpecialsDropped(t *testing.T) {
	tok, err := Build(ModeChar, "", []string{"ab"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ids := tok.Encode("abz")
	if ids[2] != tok.UNK() {
		t.Fatalf("expected UNK for z, got %d", ids[2])
	}
	if got := tok.Decode(append([]int{tok.BOS()}, append(ids, tok.EOS())...)); got != "ab" {
		t.Fatalf("decode=%q", got)
	}
}

func TestSaveLoadChar(t *testing.T) {
	dir := t.TempDir()
	tok, _ := Build(ModeChar, "", []string{"### Input:\nBlue.\n"})
	if err := tok.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.VocabSize() != tok.VocabSize() {
		t.Fatalf("vocab %d != %d", got.VocabSize(), tok.VocabSize())
	}
	if got.Decode(got.Encode("Blue.")) != "Blue." {
		t.Fatalf("round trip after load failed")
	}
}

func TestBuildUnknownMode(t *testing.T) {
	if _, err := Build("wordpiece", "", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBPEEncodingFailure(t *testing.T) {
	orig := getEncoding
	t.Cleanup(func() { getEncoding = orig })
	getEncoding = func(string) (*tiktoken.Tiktoken, error) { return nil, errors.New("offline") }
	if _, err := Build(ModeBPE, "cl100k_base", []string{"x"}); err == nil {
		t.Fatalf("expected error")
	}
}

// tinyEncoding builds an offline tiktoken encoder: every byte is its own
// token and "hello" merges through he/ll/hell.
func tinyEncoding(t *testing.T) *tiktoken.Tiktoken {
	t.Helper()
	ranks := make(map[string]int, 260)
	for b := 0; b < 256; b++ {
		ranks[string([]byte{byte(b)})] = b
	}
	for i, m := range []string{"he", "ll", "hell", "hello"} {
		ranks[m] = 256 + i
	}
	core, err := tiktoken.NewCoreBPE(ranks, map[string]int{}, ` ?[a-z]+| ?[^a-z\s]+|\s+`)
	if err != nil {
		t.Fatalf("core bpe: %v", err)
	}
	return tiktoken.NewTiktoken(core, nil, map[string]any{})
}

func useTinyEncoding(t *testing.T) {
	t.Helper()
	enc := tinyEncoding(t)
	orig := getEncoding
	t.Cleanup(func() { getEncoding = orig })
	getEncoding = func(name string) (*tiktoken.Tiktoken, error) {
		if name != "tiny" {
			return nil, errors.New("unknown encoding " + name)
		}
		return enc, nil
	}
}

func TestBPERoundTrip(t *testing.T) {
	useTinyEncoding(t)
	tok, err := Build(ModeBPE, "tiny", []string{"hello hello."})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// corpus tiktoken ids 32, 46, 259 become dense local ids 0, 1, 2
	if tok.VocabSize() != 6 || tok.EOS() != 3 || tok.UNK() != 5 {
		t.Fatalf("vocab=%d eos=%d unk=%d", tok.VocabSize(), tok.EOS(), tok.UNK())
	}
	ids := tok.Encode("hello hello.")
	if want := []int{2, 0, 2, 1}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("encode=%v want %v", ids, want)
	}
	if got := tok.Decode(append([]int{tok.BOS()}, append(ids, tok.EOS())...)); got != "hello hello." {
		t.Fatalf("decode=%q", got)
	}

	// "z" was never seen: its tiktoken id maps to UNK and decodes to nothing
	ids = tok.Encode("hello z")
	if want := []int{2, 0, tok.UNK()}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("encode unseen=%v want %v", ids, want)
	}
	if got := tok.Decode(ids); got != "hello " {
		t.Fatalf("decode unseen=%q", got)
	}
}

func TestBPESaveLoad(t *testing.T) {
	useTinyEncoding(t)
	tok, err := Build(ModeBPE, "tiny", []string{"hello.", " hello"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	dir := t.TempDir()
	if err := tok.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	var f struct {
		Mode        string `json:"mode"`
		Encoding    string `json:"encoding"`
		BPETokenIDs []int  `json:"bpe_token_ids"`
		UNK         int    `json:"unk_token_id"`
	}
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Mode != ModeBPE || f.Encoding != "tiny" || !reflect.DeepEqual(f.BPETokenIDs, []int{32, 46, 259}) || f.UNK != 5 {
		t.Fatalf("unexpected file: %s", b)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Mode != ModeBPE || got.Encoding != "tiny" || got.VocabSize() != tok.VocabSize() {
		t.Fatalf("loaded mode=%s encoding=%s vocab=%d", got.Mode, got.Encoding, got.VocabSize())
	}
	text := "hello. hello"
	if !reflect.DeepEqual(got.Encode(text), tok.Encode(text)) || got.Decode(got.Encode(text)) != text {
		t.Fatalf("loaded tokenizer diverges: %v vs %v", got.Encode(text), tok.Encode(text))
	}
}
