package scape

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const EndOfSentence = "<eos>"

// Dictionary maps words to dense token ids in first-seen order.
type Dictionary struct {
	wordToID map[string]int
	words    []string
}

func NewDictionary() *Dictionary {
	return &Dictionary{wordToID: make(map[string]int)}
}

func (d *Dictionary) Add(word string) int {
	if id, ok := d.wordToID[word]; ok {
		return id
	}
	id := len(d.words)
	d.wordToID[word] = id
	d.words = append(d.words, word)
	return id
}

func (d *Dictionary) Len() int { return len(d.words) }

func (d *Dictionary) Word(id int) string { return d.words[id] }

// Corpus holds the token streams of the three splits.
type Corpus struct {
	Dictionary *Dictionary
	Train      []int
	Valid      []int
	Test       []int
}

// LoadCorpus reads train.txt, valid.txt and test.txt from dir. Words are
// whitespace separated and every line ends with EndOfSentence.
func LoadCorpus(dir string) (*Corpus, error) {
	c := &Corpus{Dictionary: NewDictionary()}
	var err error
	if c.Train, err = c.tokenize(filepath.Join(dir, "train.txt")); err != nil {
		return nil, err
	}
	if c.Valid, err = c.tokenize(filepath.Join(dir, "valid.txt")); err != nil {
		return nil, err
	}
	if c.Test, err = c.tokenize(filepath.Join(dir, "test.txt")); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Corpus) tokenize(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open corpus split %s", path)
	}
	defer f.Close()

	var ids []int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		for _, word := range strings.Fields(scanner.Text()) {
			ids = append(ids, c.Dictionary.Add(word))
		}
		ids = append(ids, c.Dictionary.Add(EndOfSentence))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read corpus split %s", path)
	}
	return ids, nil
}

// SyntheticCorpus generates a corpus from a fixed random transition table:
// each token is followed by its successor with probability regularity and by
// a uniform token otherwise.
func SyntheticCorpus(vocab, trainLen, evalLen int, regularity float64, seed int64) (*Corpus, error) {
	if vocab < 2 {
		return nil, errors.Errorf("vocabulary must have at least 2 tokens, got %d", vocab)
	}
	if trainLen < 2 || evalLen < 2 {
		return nil, errors.New("corpus splits need at least 2 tokens")
	}
	rng := rand.New(rand.NewSource(seed))
	dict := NewDictionary()
	for i := 0; i < vocab; i++ {
		dict.Add("t" + strconv.Itoa(i))
	}
	successor := rng.Perm(vocab)
	stream := func(n int) []int {
		out := make([]int, n)
		out[0] = rng.Intn(vocab)
		for i := 1; i < n; i++ {
			if rng.Float64() < regularity {
				out[i] = successor[out[i-1]]
			} else {
				out[i] = rng.Intn(vocab)
			}
		}
		return out
	}
	return &Corpus{
		Dictionary: dict,
		Train:      stream(trainLen),
		Valid:      stream(evalLen),
		Test:       stream(evalLen),
	}, nil
}

// Batchify lays data out as bsz parallel streams: out[t][b] is
// data[b*steps+t]. Trailing tokens that do not fill a column are dropped.
func Batchify(data []int, bsz int) [][]int {
	if bsz <= 0 {
		return nil
	}
	steps := len(data) / bsz
	out := make([][]int, steps)
	for t := range out {
		row := make([]int, bsz)
		for b := range row {
			row[b] = data[b*steps+t]
		}
		out[t] = row
	}
	return out
}

// SequenceBatch is a window of bptt steps; Targets are the Inputs shifted by one.
type SequenceBatch struct {
	Inputs  [][]int
	Targets [][]int
}

func (b SequenceBatch) Size() int {
	if len(b.Inputs) == 0 {
		return 0
	}
	return len(b.Inputs) * len(b.Inputs[0])
}

// Windows cuts batchified source into consecutive bptt windows.
func Windows(source [][]int, bptt int) []SequenceBatch {
	if bptt <= 0 {
		return nil
	}
	var out []SequenceBatch
	for i := 0; i < len(source)-1; i += bptt {
		n := bptt
		if rest := len(source) - 1 - i; rest < n {
			n = rest
		}
		out = append(out, SequenceBatch{Inputs: source[i : i+n], Targets: source[i+1 : i+1+n]})
	}
	return out
}
