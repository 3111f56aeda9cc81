// Package data owns the task's symbol table and the synthetic addition
// problems the model trains on.
package data

import (
	"errors"
	"fmt"
	"strings"
)

// Special tokens. The remaining symbols are the digits "0".."9" plus the
// operators below.
const (
	TokenPlus = "+"
	TokenEq   = "="
	TokenBOS  = "<bos>"
	TokenEOS  = "<eos>"
	TokenPad  = "<pad>"
)

// ErrUnknownSymbol is wrapped when encoding a symbol outside the fixed table
// or decoding an id outside [0, Size).
var ErrUnknownSymbol = errors.New("unknown symbol")

// Vocabulary is the fixed, closed symbol table: ids 0..9 are the digits
// (each digit maps to its own value), then "+", "=", "<bos>", "<eos>",
// "<pad>". Every model instance shares the same table.
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// NewVocabulary builds the table. Id assignment is deterministic and
// contiguous; the table never changes after construction.
func NewVocabulary() Vocabulary {
	toks := make([]string, 0, 15)
	for d := 0; d <= 9; d++ {
		toks = append(toks, fmt.Sprintf("%d", d))
	}
	toks = append(toks, TokenPlus, TokenEq, TokenBOS, TokenEOS, TokenPad)

	v := Vocabulary{
		TokenToID: make(map[string]int, len(toks)),
		IDToToken: toks,
	}
	for i, t := range toks {
		v.TokenToID[t] = i
	}
	return v
}

func (v Vocabulary) Size() int { return len(v.IDToToken) }

// Encode maps symbols to ids, failing on any symbol outside the table.
func (v Vocabulary) Encode(tokens []string) ([]int, error) {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		id, ok := v.TokenToID[tok]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, tok)
		}
		ids[i] = id
	}
	return ids, nil
}

// Decode maps ids back to symbols, failing on any id outside [0, Size).
func (v Vocabulary) Decode(ids []int) ([]string, error) {
	toks := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(v.IDToToken) {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownSymbol, id)
		}
		toks[i] = v.IDToToken[id]
	}
	return toks, nil
}

// Render joins ids into a display string. Out-of-range ids render as "?";
// this is for logs only, Decode is the strict path.
func (v Vocabulary) Render(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.IDToToken) {
			b.WriteString("?")
			continue
		}
		b.WriteString(v.IDToToken[id])
	}
	return b.String()
}

// Tokens splits a problem string such as "00896+99593=" into single-symbol
// tokens suitable for Encode. Multi-character specials are not part of
// problem strings; callers prepend TokenBOS themselves.
func Tokens(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
