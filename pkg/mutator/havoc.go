// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

const maxInc = 35

var (
	interesting8  = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}
	interesting16 = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	interesting32 = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

func init() {
	for _, v := range interesting8 {
		interesting16 = append(interesting16, int16(v))
	}
	for _, v := range interesting16 {
		interesting32 = append(interesting32, int32(v))
	}
}

// HavocOps returns the byte-level operators.
func HavocOps() []Op {
	return append([]Op{}, havocOps...)
}

var havocOps = []Op{
	{"bitflip", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		data[m.rand(len(data))] ^= 1 << uint(m.rand(8))
		return data, true
	}},
	{"byteflip", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		data[m.rand(len(data))] ^= 0xff
		return data, true
	}},
	{"byteinc", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		data[m.rand(len(data))]++
		return data, true
	}},
	{"bytedec", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		data[m.rand(len(data))]--
		return data, true
	}},
	{"byteneg", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		pos := m.rand(len(data))
		data[pos] = -data[pos]
		return data, true
	}},
	{"byterand", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		// Always a different value.
		data[m.rand(len(data))] ^= byte(m.rand(255)) + 1
		return data, true
	}},
	{"byteadd", addOp(1)},
	{"wordadd", addOp(2)},
	{"dwordadd", addOp(4)},
	{"qwordadd", addOp(8)},
	{"byteinteresting", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		data[m.rand(len(data))] = byte(interesting8[m.rand(len(interesting8))])
		return data, true
	}},
	{"wordinteresting", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) < 2 {
			return data, false
		}
		pos := m.rand(len(data) - 1)
		v := uint16(interesting16[m.rand(len(interesting16))])
		m.byteOrder().PutUint16(data[pos:], v)
		return data, true
	}},
	{"dwordinteresting", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) < 4 {
			return data, false
		}
		pos := m.rand(len(data) - 3)
		v := uint32(interesting32[m.rand(len(interesting32))])
		m.byteOrder().PutUint32(data[pos:], v)
		return data, true
	}},
	{"bytesdelete", func(m *Mutator, data []byte) ([]byte, bool) {
		// Never produces an empty input.
		if len(data) <= 1 {
			return data, false
		}
		n := m.chooseLen(len(data) - 1)
		pos := m.rand(len(data) - n + 1)
		copy(data[pos:], data[pos+n:])
		return data[:len(data)-n], true
	}},
	{"bytesexpand", func(m *Mutator, data []byte) ([]byte, bool) {
		// Duplicate a range in place.
		room := m.room(data)
		if len(data) == 0 || room <= 0 {
			return data, false
		}
		pos := m.rand(len(data))
		n := min(m.chooseLen(len(data)-pos), room)
		return splice(data, pos, 0, append([]byte{}, data[pos:pos+n]...)), true
	}},
	{"bytesinsert", func(m *Mutator, data []byte) ([]byte, bool) {
		// Insert a run of a byte already present in the input.
		room := m.room(data)
		if len(data) == 0 || room <= 0 {
			return data, false
		}
		n := min(m.chooseLen(16), room)
		val := data[m.rand(len(data))]
		ins := make([]byte, n)
		for i := range ins {
			ins[i] = val
		}
		return splice(data, m.rand(len(data)+1), 0, ins), true
	}},
	{"bytesrandinsert", func(m *Mutator, data []byte) ([]byte, bool) {
		room := m.room(data)
		if len(data) == 0 || room <= 0 {
			return data, false
		}
		n := min(m.chooseLen(16), room)
		ins := make([]byte, n)
		val := byte(m.rand(256))
		for i := range ins {
			ins[i] = val
		}
		return splice(data, m.rand(len(data)+1), 0, ins), true
	}},
	{"bytesset", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		pos := m.rand(len(data))
		n := m.chooseLen(len(data) - pos)
		val := data[m.rand(len(data))]
		for i := pos; i < pos+n; i++ {
			data[i] = val
		}
		return data, true
	}},
	{"bytesrandset", func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		pos := m.rand(len(data))
		n := m.chooseLen(len(data) - pos)
		for i := pos; i < pos+n; i++ {
			data[i] = byte(m.r.Int31())
		}
		return data, true
	}},
	{"bytescopy", func(m *Mutator, data []byte) ([]byte, bool) {
		// Overwrite a range with another range of the same input.
		if len(data) <= 1 {
			return data, false
		}
		src := m.rand(len(data))
		dst := m.rand(len(data))
		for dst == src {
			dst = m.rand(len(data))
		}
		n := min(m.chooseLen(len(data)-src), len(data)-dst)
		copy(data[dst:dst+n], data[src:src+n])
		return data, true
	}},
	{"bytesinsertcopy", func(m *Mutator, data []byte) ([]byte, bool) {
		// Clone a range of the input to another place.
		room := m.room(data)
		if len(data) <= 1 || room <= 0 {
			return data, false
		}
		src := m.rand(len(data))
		n := min(m.chooseLen(len(data)-src), room)
		dst := m.rand(len(data) + 1)
		return splice(data, dst, 0, append([]byte{}, data[src:src+n]...)), true
	}},
	{"bytesswap", func(m *Mutator, data []byte) ([]byte, bool) {
		// Swap two non-overlapping ranges of the same length.
		if len(data) <= 1 {
			return data, false
		}
		n := m.chooseLen(len(data) / 2)
		first := m.rand(len(data) - 2*n + 1)
		second := first + n + m.rand(len(data)-first-2*n+1)
		tmp := append([]byte{}, data[first:first+n]...)
		copy(data[first:], data[second:second+n])
		copy(data[second:], tmp)
		return data, true
	}},
	{"crossoverinsert", func(m *Mutator, data []byte) ([]byte, bool) {
		other, ok := m.other(data)
		room := m.room(data)
		if !ok || room <= 0 {
			return data, false
		}
		src := m.rand(len(other))
		n := min(m.chooseLen(len(other)-src), room)
		return splice(data, m.rand(len(data)+1), 0, append([]byte{}, other[src:src+n]...)), true
	}},
	{"crossoverreplace", func(m *Mutator, data []byte) ([]byte, bool) {
		other, ok := m.other(data)
		if !ok {
			return data, false
		}
		src := m.rand(len(other))
		dst := m.rand(len(data))
		n := min(m.chooseLen(len(other)-src), len(data)-dst)
		copy(data[dst:dst+n], other[src:src+n])
		return data, true
	}},
	{"splice", func(m *Mutator, data []byte) ([]byte, bool) {
		// Keep a prefix of the input and take the rest from another input.
		other, ok := m.other(data)
		if !ok || len(data) <= 1 || len(other) <= 1 {
			return data, false
		}
		cut := 1 + m.rand(len(data)-1)
		from := m.rand(len(other))
		res := append(data[:cut:cut], other[from:]...)
		if room := m.room(nil); len(res) > room {
			res = res[:room]
		}
		return res, true
	}},
}

func addOp(size int) func(m *Mutator, data []byte) ([]byte, bool) {
	return func(m *Mutator, data []byte) ([]byte, bool) {
		if len(data) < size {
			return data, false
		}
		pos := m.rand(len(data) - size + 1)
		delta := uint64(m.rand(maxInc) + 1)
		if m.bin() {
			delta = -delta
		}
		order := m.byteOrder()
		storeInt(data[pos:], loadInt(data[pos:], size, order)+delta, size, order)
		return data, true
	}
}

// other returns a random other non-empty corpus input.
func (m *Mutator) other(data []byte) ([]byte, bool) {
	if m.Source == nil || len(data) == 0 {
		return nil, false
	}
	other, ok := m.Source.RandomInput(m.r)
	if !ok || len(other) == 0 {
		return nil, false
	}
	return other, true
}
