package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpack(t *testing.T) {
	entries := []Entry{
		{Path: "data/a.csv", Data: []byte("a,b\n1,2\n")},
		{Path: "/readme.md", Data: []byte("# readme")},
		{Path: "empty", Data: nil},
	}

	packed, err := Pack(entries)
	require.NoError(t, err)

	again, err := Pack(entries)
	require.NoError(t, err)
	assert.Equal(t, packed, again, "packing is deterministic")

	got, err := Unpack(packed)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "data/a.csv", got[0].Path)
	assert.Equal(t, "readme.md", got[1].Path)
	assert.Equal(t, []byte("# readme"), got[1].Data)
	assert.Empty(t, got[2].Data)
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a/b.txt", "a/b.txt", true},
		{"../../etc/passwd", "etc/passwd", true},
		{`dir\file`, "dir/file", true},
		{"", "", false},
		{"/", "", false},
		{"..", "", false},
	}
	for _, tt := range tests {
		got, ok := CleanPath(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Pack([]Entry{{Path: ".."}})
	assert.Error(t, err)
}
