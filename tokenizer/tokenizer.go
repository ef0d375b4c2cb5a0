package tokenizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/wbrown/clip_distill/types"
	"github.com/wbrown/gpt_bpe"
)

const SEGMENT_LRU_SZ = 16384

var (
	ErrInvalidLength = errors.New("tokenizer: max length must be positive")
	ErrNoPadToken    = errors.New("tokenizer: padding requested without a pad token")
	ErrEmptyBatch    = errors.New("tokenizer: empty batch")
)

// Tokenizer
// Wraps a gpt_bpe encoder with added vocabulary tokens that are matched
// verbatim in the input and never split by BPE, a pad token, and batch
// encoding with padding and truncation.
type Tokenizer struct {
	encoder   *gpt_bpe.GPTEncoder
	vocabSize int
	added     map[string]types.Token
	addedRev  map[types.Token]string
	addedArr  []string
	padToken  types.Token
	hasPad    bool
	cache     *lru.ARCCache
}

// New
// Resolves a vocabulary id the same way the gpt_bpe tools do: first as an
// embedded `<id>-tokenizer`, then as a path or huggingface id.
func New(vocabId string) (*Tokenizer, error) {
	encoder, err := gpt_bpe.NewEncoder(vocabId + "-tokenizer")
	if err != nil {
		encoder, err = gpt_bpe.NewEncoder(vocabId)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: resolving %s: %w", vocabId, err)
		}
	}
	return FromEncoder(encoder), nil
}

// FromEncoder wraps an already loaded encoder.
func FromEncoder(encoder *gpt_bpe.GPTEncoder) *Tokenizer {
	cache, _ := lru.NewARC(SEGMENT_LRU_SZ)
	return &Tokenizer{
		encoder:   encoder,
		vocabSize: vocabSize(encoder),
		added:     make(map[string]types.Token),
		addedRev:  make(map[types.Token]string),
		addedArr:  make([]string, 0),
		cache:     cache,
	}
}

// vocabSize is one past the highest id in the encoder, so that added
// tokens never collide with a base token even when the ids have gaps.
func vocabSize(encoder *gpt_bpe.GPTEncoder) int {
	size := 0
	for _, token := range encoder.Encoder {
		if int(token) >= size {
			size = int(token) + 1
		}
	}
	return size
}

// Len returns the vocabulary size, including added tokens.
func (t *Tokenizer) Len() int {
	return t.vocabSize + len(t.added)
}

// AddTokens
// Appends each token not already known to the vocabulary, assigning ids
// from the end of the vocabulary. Returns the number of tokens added.
func (t *Tokenizer) AddTokens(tokens ...string) int {
	numAdded := 0
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, ok := t.TokenId(token); ok {
			continue
		}
		id := types.Token(t.Len())
		t.added[token] = id
		t.addedRev[id] = token
		t.addedArr = append(t.addedArr, token)
		numAdded++
	}
	// Longest first, so that overlapping added tokens match greedily.
	sort.SliceStable(t.addedArr, func(i, j int) bool {
		return len(t.addedArr[i]) > len(t.addedArr[j])
	})
	if numAdded > 0 {
		t.cache.Purge()
	}
	return numAdded
}

// SetPadToken
// Registers the pad token, adding it to the vocabulary if needed.
func (t *Tokenizer) SetPadToken(token string) error {
	if token == "" {
		return errors.New("tokenizer: empty pad token")
	}
	t.AddTokens(token)
	id, _ := t.TokenId(token)
	t.padToken = id
	t.hasPad = true
	return nil
}

// PadToken returns the registered pad token id.
func (t *Tokenizer) PadToken() (types.Token, bool) {
	return t.padToken, t.hasPad
}

// TokenId
// Looks up text as a single vocabulary entry, checking added tokens first.
func (t *Tokenizer) TokenId(text string) (types.Token, bool) {
	if id, ok := t.added[text]; ok {
		return id, true
	}
	if token := t.encoder.Get(text); token != nil {
		return types.Token(*token), true
	}
	return 0, false
}

// nextAdded finds the earliest added token in text, returning its offset
// and the token, or -1 when there is none.
func (t *Tokenizer) nextAdded(text string) (int, string) {
	at := -1
	found := ""
	for _, token := range t.addedArr {
		if idx := strings.Index(text, token); idx >= 0 &&
			(at == -1 || idx < at) {
			at = idx
			found = token
		}
	}
	return at, found
}

func (t *Tokenizer) encodeSegment(segment string) types.Tokens {
	if cached, ok := t.cache.Get(segment); ok {
		return cached.(types.Tokens)
	}
	encoded := t.encoder.Encode(&segment)
	tokens := make(types.Tokens, len(*encoded))
	for idx, token := range *encoded {
		tokens[idx] = types.Token(token)
	}
	t.cache.Add(segment, tokens)
	return tokens
}

// Encode
// Encodes text, emitting added tokens as their single ids and BPE encoding
// the text between them.
func (t *Tokenizer) Encode(text string) types.Tokens {
	tokens := make(types.Tokens, 0)
	for len(text) > 0 {
		at, token := t.nextAdded(text)
		if at == -1 {
			tokens = append(tokens, t.encodeSegment(text)...)
			break
		}
		if at > 0 {
			tokens = append(tokens, t.encodeSegment(text[:at])...)
		}
		tokens = append(tokens, t.added[token])
		text = text[at+len(token):]
	}
	return tokens
}

// Decode
// Decodes tokens back into text. Added tokens are rendered verbatim, except
// the pad token, which is dropped.
func (t *Tokenizer) Decode(tokens types.Tokens) string {
	var sb strings.Builder
	run := make(gpt_bpe.Tokens, 0, len(tokens))
	flush := func() {
		if len(run) > 0 {
			sb.WriteString(t.encoder.Decode(&run))
			run = run[:0]
		}
	}
	for _, token := range tokens {
		if t.hasPad && token == t.padToken {
			flush()
			continue
		}
		if text, ok := t.addedRev[token]; ok {
			flush()
			sb.WriteString(text)
			continue
		}
		run = append(run, gpt_bpe.Token(token))
	}
	flush()
	return sb.String()
}

// EncodeBatch
// Encodes every text, truncating rows to maxLength when truncation is set,
// and padding on the right according to padding.
func (t *Tokenizer) EncodeBatch(texts []string, maxLength int,
	truncation bool, padding types.Padding) (*types.Encoding, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}
	if maxLength <= 0 && (truncation || padding == types.PadMaxLength) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLength, maxLength)
	}
	if padding != types.PadNone && !t.hasPad {
		return nil, ErrNoPadToken
	}

	rows := make([]types.Tokens, len(texts))
	longest := 0
	for idx := range texts {
		row := t.Encode(texts[idx])
		if truncation && len(row) > maxLength {
			row = row[:maxLength]
		}
		if len(row) > longest {
			longest = len(row)
		}
		rows[idx] = row
	}

	width := -1
	switch padding {
	case types.PadMaxLength:
		width = maxLength
	case types.PadLongest:
		width = longest
	}

	enc := &types.Encoding{
		InputIds:      make([]types.Tokens, len(rows)),
		AttentionMask: make([][]int32, len(rows)),
	}
	for idx, row := range rows {
		rowLen := len(row)
		if width > rowLen {
			rowLen = width
		}
		ids := make(types.Tokens, rowLen)
		mask := make([]int32, rowLen)
		copy(ids, row)
		for pos := range ids {
			if pos < len(row) {
				mask[pos] = 1
			} else {
				ids[pos] = t.padToken
			}
		}
		enc.InputIds[idx] = ids
		enc.AttentionMask[idx] = mask
	}
	return enc, nil
}
