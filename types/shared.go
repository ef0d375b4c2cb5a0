package types

type Token uint32
type Tokens []Token

const (
	TokenSize       = 4
	Uint16TokenSize = 2
	HalfSize        = 2
	FloatSize       = 4
)

// LatentVec is a fixed-dimension embedding produced by an external image
// encoder. Pile examples carry an all-zero placeholder of the same
// dimension.
type LatentVec []float32

// Example is one raw record pulled from a corpus source. Latent is nil for
// sources that have no side information.
type Example struct {
	Text   string
	Latent LatentVec
}

// Padding selects how EncodeBatch pads its rows.
type Padding uint8

const (
	PadNone      Padding = iota
	PadLongest   Padding = iota
	PadMaxLength Padding = iota
)

// Encoding
// The result of encoding a batch of texts. Every row of InputIds has a
// matching AttentionMask row of the same length, with 1 for real tokens and
// 0 for padding.
type Encoding struct {
	InputIds      []Tokens
	AttentionMask [][]int32
}
