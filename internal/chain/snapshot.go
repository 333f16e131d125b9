package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal serialises c as an indented JSON array of blocks. Nonce and hash are
// written as stored.
func Marshal(c Chain) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshal chain: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal parses a snapshot produced by Marshal (or by any peer speaking the
// same format). Blocks are loaded verbatim and never re-mined; callers decide
// whether to Validate.
func Unmarshal(data []byte) (Chain, error) {
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal chain: %w", err)
	}
	if len(c) == 0 {
		return nil, ErrEmptyChain
	}
	for i, b := range c {
		if b == nil {
			return nil, fmt.Errorf("%w at index %d", ErrNilBlock, i)
		}
	}
	return c, nil
}
