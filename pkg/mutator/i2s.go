// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"bytes"
	"encoding/binary"

	"github.com/edgefuzz/edgefuzz/pkg/cmplog"
)

var intSizes = []int{1, 2, 4, 8}

// sizesFor returns integer widths to try, the width of the comparison goes first.
func sizesFor(size int) []int {
	res := []int{size}
	for _, s := range intSizes {
		if s != size {
			res = append(res, s)
		}
	}
	return res
}

// I2S replaces one occurrence of a comparison operand in data with the other operand.
// The comparison is chosen randomly from entries. Integers are matched in little and
// big endian forms of every width, shrunk and sign-expanded as well.
// The search starts at a random offset and wraps around. If the chosen comparison
// has no match, the following ones are tried. Returns false if nothing was replaced.
func (m *Mutator) I2S(data []byte, entries []cmplog.Entry) ([]byte, bool) {
	if len(data) == 0 || len(entries) == 0 {
		return data, false
	}
	first := m.rand(len(entries))
	off := m.rand(len(data))
	for i := 0; i < len(entries); i++ {
		e := &entries[(first+i)%len(entries)]
		var res []byte
		var ok bool
		if e.Size == 0 {
			res, ok = m.replaceBytes(data, off, e)
		} else {
			res, ok = m.replaceInt(data, off, e)
		}
		if ok {
			return res, true
		}
	}
	return data, false
}

func (m *Mutator) replaceInt(data []byte, off int, e *cmplog.Entry) ([]byte, bool) {
	comps := cmplog.BuildCompMap([]cmplog.Entry{*e})
	orders := []binary.ByteOrder{binary.LittleEndian, binary.BigEndian}
	sizes := sizesFor(e.Size)
	for i := 0; i < len(data); i++ {
		pos := (off + i) % len(data)
		for _, size := range sizes {
			if pos+size > len(data) {
				continue
			}
			for _, order := range orders {
				if size == 1 && order == binary.BigEndian {
					continue
				}
				repls := comps.Replacers(loadInt(data[pos:], size, order), size)
				if len(repls) == 0 {
					continue
				}
				res := append([]byte{}, data...)
				storeInt(res[pos:], repls[m.rand(len(repls))], size, order)
				return res, true
			}
		}
	}
	return nil, false
}

func (m *Mutator) replaceBytes(data []byte, off int, e *cmplog.Entry) ([]byte, bool) {
	pairs := [][2][]byte{{e.BytesA, e.BytesB}, {e.BytesB, e.BytesA}}
	for i := 0; i < len(data); i++ {
		pos := (off + i) % len(data)
		for _, pair := range pairs {
			from, to := pair[0], pair[1]
			if len(from) == 0 || !bytes.HasPrefix(data[pos:], from) {
				continue
			}
			if len(data)-len(from)+len(to) > m.room(nil) {
				continue
			}
			res := append([]byte{}, data...)
			return splice(res, pos, len(from), to), true
		}
	}
	return nil, false
}
