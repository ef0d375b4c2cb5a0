package clip_distill

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wbrown/clip_distill/types"
	"gorgonia.org/tensor"
)

// wordTokenizer encodes every whitespace separated word, and every added
// token, as one token. Unknown words are assigned ids on first sight.
type wordTokenizer struct {
	vocab    map[string]types.Token
	added    []string
	padToken types.Token
	hasPad   bool
	calls    int
	failWith error
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{vocab: make(map[string]types.Token)}
}

func (wt *wordTokenizer) Len() int {
	return len(wt.vocab)
}

func (wt *wordTokenizer) AddTokens(tokens ...string) int {
	added := 0
	for _, token := range tokens {
		if _, ok := wt.vocab[token]; !ok {
			wt.vocab[token] = types.Token(len(wt.vocab))
			wt.added = append(wt.added, token)
			added++
		}
	}
	return added
}

func (wt *wordTokenizer) SetPadToken(token string) error {
	wt.AddTokens(token)
	wt.padToken = wt.vocab[token]
	wt.hasPad = true
	return nil
}

func (wt *wordTokenizer) TokenId(text string) (types.Token, bool) {
	id, ok := wt.vocab[text]
	return id, ok
}

func (wt *wordTokenizer) id(word string) types.Token {
	if id, ok := wt.vocab[word]; ok {
		return id
	}
	id := types.Token(len(wt.vocab))
	wt.vocab[word] = id
	return id
}

func (wt *wordTokenizer) encode(text string) types.Tokens {
	for _, token := range wt.added {
		text = strings.ReplaceAll(text, token, " "+token+" ")
	}
	tokens := make(types.Tokens, 0)
	for _, word := range strings.Fields(text) {
		tokens = append(tokens, wt.id(word))
	}
	return tokens
}

func (wt *wordTokenizer) EncodeBatch(texts []string, maxLength int,
	truncation bool, padding types.Padding) (*types.Encoding, error) {
	wt.calls++
	if wt.failWith != nil {
		return nil, wt.failWith
	}
	if padding != types.PadMaxLength || !truncation {
		return nil, fmt.Errorf("unexpected encode options")
	}
	enc := &types.Encoding{}
	for _, text := range texts {
		row := wt.encode(text)
		if len(row) > maxLength {
			row = row[:maxLength]
		}
		ids := make(types.Tokens, maxLength)
		mask := make([]int32, maxLength)
		for pos := range ids {
			if pos < len(row) {
				ids[pos] = row[pos]
				mask[pos] = 1
			} else {
				ids[pos] = wt.padToken
			}
		}
		enc.InputIds = append(enc.InputIds, ids)
		enc.AttentionMask = append(enc.AttentionMask, mask)
	}
	return enc, nil
}

// sliceSource yields examples in order, then ErrSourceExhausted.
type sliceSource struct {
	examples []types.Example
	pulled   int
}

func (src *sliceSource) Next() (types.Example, error) {
	if src.pulled >= len(src.examples) {
		return types.Example{}, ErrSourceExhausted
	}
	example := src.examples[src.pulled]
	src.pulled++
	return example, nil
}

// endlessSource generates numbered examples forever.
type endlessSource struct {
	prefix string
	words  int
	dim    int
	pulled int
}

func (src *endlessSource) Next() (types.Example, error) {
	words := make([]string, src.words)
	for idx := range words {
		words[idx] = fmt.Sprintf("%s%d_%d", src.prefix, src.pulled, idx)
	}
	example := types.Example{Text: strings.Join(words, " ")}
	if src.dim > 0 {
		example.Latent = make(types.LatentVec, src.dim)
		example.Latent[0] = float32(src.pulled + 1)
	}
	src.pulled++
	return example, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Macro = 20
	cfg.Micro = 5
	cfg.MixingRatio = 3
	cfg.PileContextLen = 16
	cfg.ClipTextLen = 8
	cfg.LatentDim = 4
	cfg.Steps = 100
	return cfg
}

func words(n int) []string {
	ts := make([]string, n)
	for idx := range ts {
		ts[idx] = fmt.Sprintf("w%d", idx)
	}
	return ts
}

type failingDevice struct{}

var errPlacement = errors.New("placement failed")

func (failingDevice) Place(name string, t tensor.Tensor) (tensor.Tensor,
	error) {
	return nil, errPlacement
}

type countingDevice struct {
	names []string
}

func (cd *countingDevice) Place(name string, t tensor.Tensor) (tensor.Tensor,
	error) {
	cd.names = append(cd.names, name)
	return t, nil
}
