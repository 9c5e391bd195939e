// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package hash provides content identities for fuzzer inputs.
// Inputs are stored on disk under the hex form of their sha1.
package hash

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

type Sig [sha1.Size]byte

func Hash(pieces ...[]byte) Sig {
	h := sha1.New()
	for _, data := range pieces {
		h.Write(data)
	}
	var sig Sig
	copy(sig[:], h.Sum(nil))
	return sig
}

func String(pieces ...[]byte) string {
	sig := Hash(pieces...)
	return sig.String()
}

func (sig Sig) String() string {
	return hex.EncodeToString(sig[:])
}

// Short returns a prefix of the hex form suitable for log messages.
func (sig Sig) Short() string {
	return hex.EncodeToString(sig[:4])
}

// Truncate64 returns first 64 bits of the hash as uint64.
func (sig Sig) Truncate64() uint64 {
	return binary.LittleEndian.Uint64(sig[:8])
}

func FromString(str string) (Sig, error) {
	bin, err := hex.DecodeString(str)
	if err != nil {
		return Sig{}, fmt.Errorf("failed to decode sig '%v': %w", str, err)
	}
	if len(bin) != len(Sig{}) {
		return Sig{}, fmt.Errorf("failed to decode sig '%v': bad len", str)
	}
	var sig Sig
	copy(sig[:], bin)
	return sig, nil
}
