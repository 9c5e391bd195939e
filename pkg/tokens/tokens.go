// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tokens implements the token dictionary used by splicing mutations.
// Tokens come from the harness (auto-tokens) and from AFL-style dictionary files.
package tokens

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MaxTokenLen bounds the length of a single token.
const MaxTokenLen = 128

// Dict is a deduplicated set of tokens, read-only once fuzzing starts.
type Dict struct {
	tokens [][]byte
	seen   map[string]bool
}

func NewDict() *Dict {
	return &Dict{seen: make(map[string]bool)}
}

// Add adds tokens skipping empty, too long and duplicate ones.
// Returns the number of added tokens.
func (d *Dict) Add(tokens ...[]byte) int {
	added := 0
	for _, tok := range tokens {
		if len(tok) == 0 || len(tok) > MaxTokenLen || d.seen[string(tok)] {
			continue
		}
		d.seen[string(tok)] = true
		d.tokens = append(d.tokens, append([]byte(nil), tok...))
		added++
	}
	return added
}

func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.tokens)
}

func (d *Dict) Get(i int) []byte {
	return d.tokens[i]
}

func (d *Dict) Tokens() [][]byte {
	return d.tokens
}

// LoadFile parses an AFL dictionary file and adds its tokens.
func (d *Dict) LoadFile(filename string) (int, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to read dictionary: %w", err)
	}
	toks, err := Parse(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse dictionary %v: %w", filename, err)
	}
	return d.Add(toks...), nil
}

// Parse parses AFL dictionary format:
//
//	# comment
//	kw1="value"
//	"another value\x00\xff"
func Parse(data []byte) ([][]byte, error) {
	var res [][]byte
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		start := bytes.IndexByte(line, '"')
		if start == -1 || len(line) < start+2 || line[len(line)-1] != '"' {
			return nil, fmt.Errorf("line %v: token is not quoted", i+1)
		}
		tok, err := unescape(string(line[start+1 : len(line)-1]))
		if err != nil {
			return nil, fmt.Errorf("line %v: %w", i+1, err)
		}
		res = append(res, tok)
	}
	return res, nil
}

func unescape(s string) ([]byte, error) {
	var res []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			res = append(res, c)
			continue
		}
		i++
		if i == len(s) {
			return nil, fmt.Errorf("trailing backslash")
		}
		switch s[i] {
		case '\\', '"':
			res = append(res, s[i])
		case 'n':
			res = append(res, '\n')
		case 't':
			res = append(res, '\t')
		case 'x':
			if i+3 > len(s) {
				return nil, fmt.Errorf("bad \\x escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad \\x escape: %w", err)
			}
			res = append(res, byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return res, nil
}

// Format serializes tokens in the dictionary file format.
func Format(tokens [][]byte) []byte {
	buf := new(bytes.Buffer)
	for i, tok := range tokens {
		fmt.Fprintf(buf, "token_%v=\"", i)
		for _, c := range tok {
			switch {
			case c == '\\' || c == '"':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case c >= 0x20 && c < 0x7f:
				buf.WriteByte(c)
			default:
				fmt.Fprintf(buf, "\\x%02x", c)
			}
		}
		buf.WriteString("\"\n")
	}
	return buf.Bytes()
}

// String is used in logs.
func (d *Dict) String() string {
	var parts []string
	for _, tok := range d.tokens {
		parts = append(parts, strconv.Quote(string(tok)))
	}
	return strings.Join(parts, " ")
}
