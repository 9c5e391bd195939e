// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

// TokenOps returns operators that use the dictionary.
func TokenOps() []Op {
	return []Op{
		{"tokeninsert", tokenInsert},
		{"tokenreplace", tokenReplace},
	}
}

func (m *Mutator) token() ([]byte, bool) {
	if m.Dict.Len() == 0 {
		return nil, false
	}
	return m.Dict.Get(m.rand(m.Dict.Len())), true
}

func tokenInsert(m *Mutator, data []byte) ([]byte, bool) {
	tok, ok := m.token()
	if !ok || len(data) == 0 || len(tok) > m.room(data) {
		return data, false
	}
	return splice(data, m.rand(len(data)+1), 0, tok), true
}

func tokenReplace(m *Mutator, data []byte) ([]byte, bool) {
	tok, ok := m.token()
	if !ok || len(tok) > len(data) {
		return data, false
	}
	copy(data[m.rand(len(data)-len(tok)+1):], tok)
	return data, true
}
