// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package frame implements the line framing shared by the AMI and AGI
// engines: reassembly of CRLF/LF-terminated lines from arbitrary byte
// chunks, and the ordered "Key: Value" header block both protocols are
// built from.
//
// A Framer is a pure accumulator. Feed it bytes with Append and pull
// complete lines with NextLine or complete header blocks with NextBlock;
// it performs no I/O of its own.
package frame

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
)

// A Pair is a single header line, split at the first colon.
type Pair struct {
	Key   string
	Value string
}

// A Block is an ordered sequence of header pairs. Lookup by key is
// case-insensitive and returns the first occurrence; emission preserves
// insertion order and the original key case. Duplicate keys are permitted.
//
// The zero value is an empty block ready for use.
type Block struct {
	pairs []Pair
	index map[string]int // folded key → first occurrence
}

// NewBlock constructs a block from the given pairs, in order.
func NewBlock(pairs ...Pair) *Block {
	b := new(Block)
	for _, p := range pairs {
		b.Add(p.Key, p.Value)
	}
	return b
}

// Add appends a pair to the end of the block.
func (b *Block) Add(key, value string) {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	folded := strings.ToLower(key)
	if _, ok := b.index[folded]; !ok {
		b.index[folded] = len(b.pairs)
	}
	b.pairs = append(b.pairs, Pair{Key: key, Value: value})
}

// Get returns the value of the first pair whose key matches key without
// regard to case, or "" if no such pair exists.
func (b *Block) Get(key string) string { v, _ := b.Lookup(key); return v }

// Lookup reports whether the block has a pair matching key without regard
// to case, and returns the first matching value if so.
func (b *Block) Lookup(key string) (string, bool) {
	if b == nil || b.index == nil {
		return "", false
	}
	i, ok := b.index[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	return b.pairs[i].Value, true
}

// Values returns the values of all pairs matching key without regard to
// case, in insertion order. It returns nil if there are none.
func (b *Block) Values(key string) []string {
	if b == nil {
		return nil
	}
	folded := strings.ToLower(key)
	var out []string
	for _, p := range b.pairs {
		if strings.ToLower(p.Key) == folded {
			out = append(out, p.Value)
		}
	}
	return out
}

// Pairs returns the pairs of the block in insertion order. The caller must
// not modify the returned slice.
func (b *Block) Pairs() []Pair {
	if b == nil {
		return nil
	}
	return b.pairs
}

// Len reports the number of pairs in the block.
func (b *Block) Len() int {
	if b == nil {
		return 0
	}
	return len(b.pairs)
}

// String returns a compact human-readable rendering of the block.
func (b *Block) String() string {
	var sb strings.Builder
	sb.WriteString("Block{")
	for i, p := range b.Pairs() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %q", p.Key, p.Value)
	}
	sb.WriteString("}")
	return sb.String()
}

// A MalformedLineError reports header lines that could not be split into a
// key/value pair. The surrounding block is still delivered; the caller
// decides whether a malformed member is fatal.
type MalformedLineError struct {
	Lines []string // the offending lines, terminators trimmed
}

// Error satisfies the error interface.
func (m *MalformedLineError) Error() string {
	return fmt.Sprintf("malformed header line %q", m.Lines[0])
}

// A DecodeError reports bytes that could not be decoded with the
// configured encoding. Decode errors are fatal to a connection.
type DecodeError struct {
	Err error
}

// Error satisfies the error interface.
func (d *DecodeError) Error() string { return "decoding line: " + d.Err.Error() }

// Unwrap reports the underlying decoder error.
func (d *DecodeError) Unwrap() error { return d.Err }

// A Framer accumulates a received byte stream and yields complete lines
// and complete header blocks. Lines may end in CRLF, LF, or a lone CR; the
// terminator is trimmed. An incomplete trailing line stays buffered across
// Append calls.
//
// The zero value is a framer decoding UTF-8.
type Framer struct {
	dec   *encoding.Decoder
	buf   []byte   // undelivered bytes of an incomplete line
	lines []string // complete decoded lines, terminators trimmed
	eatLF bool     // last line ended in a bare CR; swallow a following LF
}

// NewFramer constructs a framer decoding inbound bytes with enc. A nil
// encoding means UTF-8, validated.
func NewFramer(enc encoding.Encoding) *Framer {
	f := new(Framer)
	if enc != nil {
		f.dec = enc.NewDecoder()
	}
	return f
}

// Append feeds received bytes into the framer. It reports a *DecodeError
// if a completed line cannot be decoded with the configured encoding;
// framer state is undefined after an error.
func (f *Framer) Append(data []byte) error {
	for _, c := range data {
		switch {
		case c == '\n':
			if f.eatLF {
				f.eatLF = false
				continue
			}
			if err := f.flushLine(); err != nil {
				return err
			}
		case c == '\r':
			f.eatLF = true
			if err := f.flushLine(); err != nil {
				return err
			}
		default:
			f.eatLF = false
			f.buf = append(f.buf, c)
		}
	}
	return nil
}

// flushLine decodes the buffered line and appends it to the line queue.
func (f *Framer) flushLine() error {
	raw := f.buf
	f.buf = nil
	if f.dec == nil {
		if !utf8.Valid(raw) {
			return &DecodeError{Err: fmt.Errorf("invalid UTF-8 sequence in %q", raw)}
		}
		f.lines = append(f.lines, string(raw))
		return nil
	}
	dec, err := f.dec.Bytes(raw)
	if err != nil {
		return &DecodeError{Err: err}
	}
	f.lines = append(f.lines, string(dec))
	return nil
}

// NextLine returns the next complete line and reports whether one was
// available.
func (f *Framer) NextLine() (string, bool) {
	if len(f.lines) == 0 {
		return "", false
	}
	line := f.lines[0]
	f.lines = f.lines[1:]
	return line, true
}

// NextBlock returns the next complete header block: the run of non-empty
// lines up to and including a terminating empty line. It returns nil
// without error while the terminator has not yet been buffered. A blank
// line with no preceding pairs yields an empty block.
//
// Member lines are split at the first colon, with one leading space of the
// value trimmed. Lines with no colon are omitted from the block and
// reported together in a *MalformedLineError alongside it; the caller
// chooses whether that is fatal.
func (f *Framer) NextBlock() (*Block, error) {
	end := -1
	for i, line := range f.lines {
		if line == "" {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, nil
	}
	blk := new(Block)
	var bad []string
	for _, line := range f.lines[:end] {
		key, value, ok := splitHeaderLine(line)
		if !ok {
			bad = append(bad, line)
			continue
		}
		blk.Add(key, value)
	}
	f.lines = f.lines[end+1:]
	if bad != nil {
		return blk, &MalformedLineError{Lines: bad}
	}
	return blk, nil
}

// splitHeaderLine splits a header line at the first colon and trims one
// leading space from the value.
func splitHeaderLine(line string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	return key, value, true
}

// EncodeBlock renders the given pairs as a header block: one "Key: Value"
// line per pair in order, a trailing empty line, each line terminated by
// eol, the whole encoded with enc (nil = UTF-8).
func EncodeBlock(pairs []Pair, eol string, enc encoding.Encoding) ([]byte, error) {
	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString(p.Key)
		sb.WriteString(": ")
		sb.WriteString(p.Value)
		sb.WriteString(eol)
	}
	sb.WriteString(eol)
	return EncodeText(sb.String(), enc)
}

// EncodeText encodes text with enc for emission on the wire. A nil
// encoding means UTF-8.
func EncodeText(text string, enc encoding.Encoding) ([]byte, error) {
	if enc == nil {
		return []byte(text), nil
	}
	return enc.NewEncoder().Bytes([]byte(text))
}
