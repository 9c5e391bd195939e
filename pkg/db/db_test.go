// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package db

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgefuzz/edgefuzz/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasic(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "db")
	db, err := Open(fn, true)
	require.NoError(t, err)
	assert.Empty(t, db.Records)
	db.Save("", nil, 0)
	db.Save("1", []byte("ab"), 1)
	db.Save("23", []byte("abcd"), 2)
	want := map[string]Record{
		"":   {Val: nil, Seq: 0},
		"1":  {Val: []byte("ab"), Seq: 1},
		"23": {Val: []byte("abcd"), Seq: 2},
	}
	assert.True(t, cmp.Equal(want, db.Records))
	require.NoError(t, db.Flush())
	db1, err := Open(fn, true)
	require.NoError(t, err)
	assert.True(t, cmp.Equal(want, db1.Records), cmp.Diff(want, db1.Records))
	db1.Save("1", []byte("xy"), 3)
	db1.Delete("23")
	require.NoError(t, db1.Flush())
	db2, err := Open(fn, true)
	require.NoError(t, err)
	want = map[string]Record{
		"":  {Val: nil, Seq: 0},
		"1": {Val: []byte("xy"), Seq: 3},
	}
	assert.True(t, cmp.Equal(want, db2.Records), cmp.Diff(want, db2.Records))
}

func TestModify(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "db")
	db, err := Open(fn, true)
	require.NoError(t, err)
	db.Save("1", []byte("ab"), 0)
	db.Save("1", []byte("abcd"), 1)
	db.Save("1", []byte("abcdef"), 2)
	db.Save("1", []byte("abcdef"), 2)
	require.NoError(t, db.Flush())
	db1, err := Open(fn, true)
	require.NoError(t, err)
	want := map[string]Record{"1": {Val: []byte("abcdef"), Seq: 2}}
	assert.True(t, cmp.Equal(want, db1.Records), cmp.Diff(want, db1.Records))
}

func TestLarge(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	fn := filepath.Join(t.TempDir(), "db")
	db, err := Open(fn, true)
	require.NoError(t, err)
	const nrec = 1000
	val := make([]byte, 1000)
	for i := range val {
		val[i] = byte(r.Intn(256))
	}
	for i := 0; i < nrec; i++ {
		db.Save(fmt.Sprintf("%v", i), val, 0)
	}
	require.NoError(t, db.Flush())
	db1, err := Open(fn, true)
	require.NoError(t, err)
	require.Len(t, db1.Records, nrec)
	for _, rec := range db1.Records {
		assert.True(t, bytes.Equal(val, rec.Val))
	}
}

func TestVersion(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "db")
	db, err := Open(fn, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), db.Version)
	db.Save("1", []byte("a"), 0)
	require.NoError(t, db.BumpVersion(5))
	db1, err := Open(fn, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), db1.Version)
	assert.Len(t, db1.Records, 1)
}

func TestCorrupted(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "db")
	db, err := Open(fn, true)
	require.NoError(t, err)
	db.Save("1", []byte("ab"), 1)
	require.NoError(t, db.Flush())
	db.Save("2", []byte("cd"), 2)
	require.NoError(t, db.Flush())
	data, err := os.ReadFile(fn)
	require.NoError(t, err)
	// Cut the last record in the middle.
	require.NoError(t, os.WriteFile(fn, data[:len(data)-3], 0640))

	db1, err := Open(fn, false)
	assert.Error(t, err)
	assert.Contains(t, db1.Records, "1")

	db2, err := Open(fn, true)
	assert.Error(t, err)
	assert.Len(t, db2.Records, 1)
	// The repaired file opens cleanly.
	db3, err := Open(fn, true)
	require.NoError(t, err)
	assert.Len(t, db3.Records, 1)
}
