// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/binary"

	"github.com/edgefuzz/edgefuzz/pkg/cmplog"
	"github.com/edgefuzz/edgefuzz/pkg/cover"
	"github.com/edgefuzz/edgefuzz/pkg/harness"
)

// Input format:
//
//	"EDGE" magic
//	version: u16 LE, must be 3
//	records: kind u8, len u8, payload[len]
//
// A "cfg" record whose payload starts with the 0x1badf00d key overflows the table.
const (
	edges   = 64
	version = 3

	kindName = 'n'
	kindCfg  = 'c'
	kindEnd  = 'e'

	cfgKey = 0x1badf00d
)

var magic = []byte("EDGE")

type parser struct {
	edges *cover.Map
	cmps  *cmplog.Log
	table [4]uint32
}

func newTarget() *harness.Target {
	p := &parser{
		edges: cover.NewMap(edges),
		cmps:  cmplog.New(),
	}
	return &harness.Target{
		Name:   "demo-records",
		Edges:  p.edges,
		CmpLog: p.cmps,
		Tokens: [][]byte{magic, {kindName}, {kindCfg}, {kindEnd}},
		Fuzz:   p.fuzz,
	}
}

func (p *parser) fuzz(data []byte) harness.ExitKind {
	p.edges.Hit(0)
	if len(data) < len(magic)+2 {
		p.edges.Hit(1)
		return harness.Ok
	}
	p.cmps.CompareBytes(1, data[:len(magic)], magic)
	if !bytes.Equal(data[:len(magic)], magic) {
		p.edges.Hit(2)
		return harness.Ok
	}
	p.edges.Hit(3)
	ver := binary.LittleEndian.Uint16(data[len(magic):])
	p.cmps.Compare16(2, ver, version)
	if ver != version {
		p.edges.Hit(4)
		return harness.Ok
	}
	p.edges.Hit(5)
	p.records(data[len(magic)+2:])
	return harness.Ok
}

func (p *parser) records(data []byte) {
	for n := 0; len(data) >= 2; n++ {
		kind, size := data[0], int(data[1])
		data = data[2:]
		if size > len(data) {
			p.edges.Hit(6)
			return
		}
		payload := data[:size]
		data = data[size:]
		// Depth of the record stream is visible in coverage as well.
		p.edges.Hit(8 + min(n, 7))
		p.cmps.Compare8(3, kind, kindEnd)
		switch kind {
		case kindName:
			p.edges.Hit(16 + min(len(payload), 15))
		case kindCfg:
			p.config(payload)
		case kindEnd:
			p.edges.Hit(7)
			return
		default:
			p.edges.Hit(32 + int(kind)%16)
		}
	}
}

func (p *parser) config(payload []byte) {
	p.edges.Hit(48)
	if len(payload) < 5 {
		p.edges.Hit(49)
		return
	}
	key := binary.LittleEndian.Uint32(payload)
	p.cmps.Compare32(4, key, cfgKey)
	if key != cfgKey {
		p.edges.Hit(50 + int(key%8))
		return
	}
	p.edges.Hit(58)
	idx := int(payload[4])
	// The bug: idx is not checked against the table size.
	p.table[idx%8] = key
	p.edges.Hit(59)
}
