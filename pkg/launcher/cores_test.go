// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package launcher

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestParseCores(t *testing.T) {
	tests := []struct {
		spec  string
		ncpu  int
		cores []int
		err   bool
	}{
		{spec: "none", ncpu: 4, cores: []int{-1}},
		{spec: "all", ncpu: 3, cores: []int{0, 1, 2}},
		{spec: "1", ncpu: 4, cores: []int{1}},
		{spec: "3,1-2", ncpu: 4, cores: []int{1, 2, 3}},
		{spec: "0-2,1", ncpu: 4, cores: []int{0, 1, 2}},
		{spec: " 2 ", ncpu: 4, cores: []int{2}},
		{spec: "4", ncpu: 4, err: true},
		{spec: "2-1", ncpu: 4, err: true},
		{spec: "a", ncpu: 4, err: true},
		{spec: "-1", ncpu: 4, err: true},
		{spec: "", ncpu: 4, err: true},
		{spec: "all", ncpu: 0, err: true},
	}
	for _, test := range tests {
		t.Run(test.spec, func(t *testing.T) {
			descs, err := ParseCores(test.spec, test.ncpu)
			if test.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			var cores []int
			for id, desc := range descs {
				assert.Equal(t, id, desc.ID)
				cores = append(cores, desc.Core)
			}
			if diff := cmp.Diff(test.cores, cores); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestClientDescString(t *testing.T) {
	assert.Equal(t, "client-0", ClientDesc{ID: 0, Core: -1}.String())
	assert.Equal(t, "client-2@5", ClientDesc{ID: 2, Core: 5}.String())
}
