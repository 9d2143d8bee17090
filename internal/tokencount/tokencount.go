package tokencount

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts the tokens a model would see in a piece of text. The proxy
// depends on this interface so tests can substitute a deterministic stub.
type Counter interface {
	Count(model, text string) (int, error)
}

// TiktokenCounter counts tokens with tiktoken BPE encodings. Codecs are
// cached per encoding name since building one parses the embedded vocab.
type TiktokenCounter struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
}

// New constructs a TiktokenCounter.
func New() *TiktokenCounter {
	return &TiktokenCounter{codecs: make(map[string]tokenizer.Codec)}
}

// Count encodes text with the model's tokenizer, falling back to cl100k_base
// for models tiktoken does not know.
func (c *TiktokenCounter) Count(model, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	codec, errCodec := c.codecFor(model)
	if errCodec != nil {
		return 0, errCodec
	}
	ids, _, errEncode := codec.Encode(text)
	if errEncode != nil {
		return 0, fmt.Errorf("tokencount: encode for %s: %w", model, errEncode)
	}
	return len(ids), nil
}

func (c *TiktokenCounter) codecFor(model string) (tokenizer.Codec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if codec, ok := c.codecs[model]; ok {
		return codec, nil
	}
	codec, errModel := tokenizer.ForModel(tokenizer.Model(model))
	if errModel != nil {
		var errGet error
		codec, errGet = tokenizer.Get(tokenizer.Cl100kBase)
		if errGet != nil {
			return nil, fmt.Errorf("tokencount: load encoding: %w", errGet)
		}
	}
	c.codecs[model] = codec
	return codec, nil
}
