// Package packing turns tokenized samples into fixed-length training
// sequences. A sequence of seqLen+1 tokens yields seqLen (input, target) pairs.
package packing

// Pack concatenates samples, each followed by eos, and cuts the stream into
// sequences of seqLen+1 tokens. Consecutive sequences overlap by one token so
// that every token except the first is a target exactly once. The trailing
// partial sequence is dropped unless it is the only one.
func Pack(samples [][]int, seqLen, eos int) [][]int {
	if seqLen < 1 {
		return nil
	}
	total := 0
	for _, s := range samples {
		total += len(s) + 1
	}
	stream := make([]int, 0, total)
	for _, s := range samples {
		stream = append(stream, s...)
		stream = append(stream, eos)
	}
	if len(stream) < 2 {
		return nil
	}
	var out [][]int
	for start := 0; start+seqLen+1 <= len(stream); start += seqLen {
		out = append(out, stream[start:start+seqLen+1:start+seqLen+1])
	}
	if len(out) == 0 {
		out = append(out, stream)
	}
	return out
}

// Truncate keeps one sequence per sample: the sample plus eos, cut to
// seqLen+1 tokens. Samples shorter than two tokens after appending eos are
// skipped.
func Truncate(samples [][]int, seqLen, eos int) [][]int {
	out := make([][]int, 0, len(samples))
	for _, s := range samples {
		seq := make([]int, 0, len(s)+1)
		seq = append(seq, s...)
		seq = append(seq, eos)
		if len(seq) > seqLen+1 {
			seq = seq[:seqLen+1]
		}
		if len(seq) < 2 {
			continue
		}
		out = append(out, seq)
	}
	return out
}

// Batches groups sequences in order. With dropLast a trailing short batch is
// discarded.
func Batches(seqs [][]int, batchSize int, dropLast bool) [][][]int {
	if batchSize < 1 {
		batchSize = 1
	}
	var out [][][]int
	for i := 0; i < len(seqs); i += batchSize {
		end := i + batchSize
		if end > len(seqs) {
			if dropLast {
				break
			}
			end = len(seqs)
		}
		out = append(out, seqs[i:end])
	}
	return out
}

// CountTargets returns the number of predicted tokens across seqs.
func CountTargets(seqs [][]int) int {
	n := 0
	for _, s := range seqs {
		if len(s) > 1 {
			n += len(s) - 1
		}
	}
	return n
}
