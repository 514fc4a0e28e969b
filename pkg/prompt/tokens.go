package prompt

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"github.com/weaviate/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

var _ TokenCounter = (*TiktokenCounter)(nil)

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, errors.Wrapf(err, "load token encoding %q", encoding)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// ModelCounter counts tokens with the codec registered for a model name.
type ModelCounter struct {
	codec encoder
}

// encoder is the part of tokenizer.Codec the counter uses.
type encoder interface {
	Encode(text string) ([]uint, []string, error)
}

var _ TokenCounter = (*ModelCounter)(nil)

// NewModelCounter resolves the codec of model. Unknown models use cl100k_base.
func NewModelCounter(model string) (*ModelCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, errors.Wrap(err, "load cl100k_base codec")
		}
	}
	return &ModelCounter{codec: codec}, nil
}

// Count falls back to estimateTokens when the codec fails, so a history budget keeps
// trimming instead of treating every turn as free.
func (c *ModelCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		n := estimateTokens(text)
		log.Warn().Str("component", "prompt").Err(err).Int("estimate", n).Msg("token encoding failed, using estimate")
		return n
	}
	return len(ids)
}

// estimateTokens assumes about four characters per token.
func estimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
