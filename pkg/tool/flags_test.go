// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"flag"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	type Values struct {
		Foo bool
		Bar int
		Baz string
	}
	tests := []struct {
		args []string
		vals *Values
	}{
		{nil, &Values{false, 1, "baz"}},
		{[]string{"-foo", "-bar=2"}, &Values{true, 2, "baz"}},
		{[]string{"-foo", "-bar=2", "-qux"}, nil},
		{[]string{"-foo", "positional"}, nil},
	}
	for i, test := range tests {
		vals := new(Values)
		flags := flag.NewFlagSet("", flag.ContinueOnError)
		flags.SetOutput(io.Discard)
		flags.BoolVar(&vals.Foo, "foo", false, "")
		flags.IntVar(&vals.Bar, "bar", 1, "")
		flags.StringVar(&vals.Baz, "baz", "baz", "")
		err := ParseFlags(flags, test.args)
		if test.vals == nil {
			assert.Error(t, err, "test #%v", i)
			continue
		}
		require.NoError(t, err, "test #%v", i)
		if diff := cmp.Diff(test.vals, vals); diff != "" {
			t.Errorf("test #%v: %v", i, diff)
		}
	}
}

func TestFlagsToArgs(t *testing.T) {
	args := FlagsToArgs([]Flag{{"output", "/tmp/out"}, {"id", "3"}})
	assert.Equal(t, []string{"-id=3", "-output=/tmp/out"}, args)
}

func TestSubcommand(t *testing.T) {
	cmd, rest, err := Subcommand([]string{"fuzz", "-cores=all"})
	require.NoError(t, err)
	assert.Equal(t, "fuzz", cmd)
	assert.Equal(t, []string{"-cores=all"}, rest)
	_, _, err = Subcommand([]string{"-cores=all"})
	assert.Error(t, err)
	_, _, err = Subcommand(nil)
	assert.Error(t, err)
}
