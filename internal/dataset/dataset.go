// Package dataset acquires and loads instruction-following records.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Record is one instruction-following example. Context and Category may be empty.
type Record struct {
	Instruction string `json:"instruction"`
	Context     string `json:"context"`
	Response    string `json:"response"`
	Category    string `json:"category"`
}

// maxLineBytes bounds a single JSONL record; dolly responses run to a few KiB.
const maxLineBytes = 4 << 20

// LoadJSONL reads one JSON record per line. Blank lines are skipped.
func LoadJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Record
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid record: %w", path, lineNo, err)
		}
		out = append(out, rec)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// Shuffle returns a shuffled copy; the same seed always gives the same order.
func Shuffle(records []Record, seed int64) []Record {
	out := append([]Record(nil), records...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Split holds out the tail testFraction of records. When the fraction is
// positive and there are at least two records, at least one is held out and at
// least one is kept for training.
func Split(records []Record, testFraction float64) (train, test []Record) {
	if testFraction <= 0 || len(records) < 2 {
		return records, nil
	}
	n := int(float64(len(records)) * testFraction)
	if n < 1 {
		n = 1
	}
	if n >= len(records) {
		n = len(records) - 1
	}
	cut := len(records) - n
	return records[:cut], records[cut:]
}

// Limit truncates records to at most n entries; n <= 0 keeps all.
func Limit(records []Record, n int) []Record {
	if n <= 0 || n >= len(records) {
		return records
	}
	return records[:n]
}

// Pick returns a random record, used for the post-training sample generation.
func Pick(records []Record, rng *rand.Rand) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	return records[rng.Intn(len(records))], true
}

// CategoryCount is one row of Stats.
type CategoryCount struct {
	Category string
	Count    int
}

// Stats counts records per category, most frequent first.
func Stats(records []Record) []CategoryCount {
	counts := lo.CountValuesBy(records, func(r Record) string {
		if r.Category == "" {
			return "(none)"
		}
		return r.Category
	})
	out := make([]CategoryCount, 0, len(counts))
	for k, v := range counts {
		out = append(out, CategoryCount{Category: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}
