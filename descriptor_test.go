package rfcache

import (
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBasicDescriptorRoundTrip(t *testing.T) {
	cases := []*BasicDescriptor{
		NewBasicDescriptor("https://example.com/a.bin", digest.FromString("a"), 0),
		NewBasicDescriptor("https://example.com/b.bin", digest.FromString("b"), 12345),
		NewBasicDescriptor("/local/path/with spaces", digest.FromString(""), 1),
	}
	for _, d := range cases {
		s, err := d.Serialize()
		require.NoError(t, err)

		got := &BasicDescriptor{}
		require.NoError(t, got.Deserialize(s))
		require.Equal(t, d.RemotePath(), got.RemotePath())
		require.Equal(t, d.Version(), got.Version())
		require.Equal(t, d.FileSize(), got.FileSize())
		require.False(t, isModified(d, got))
	}
}

func TestBasicDescriptorRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		remotePath := rapid.StringMatching(`[A-Za-z0-9/_.:-]{1,40}`).Draw(t, "remotePath")
		seed := rapid.StringN(0, 30, -1).Draw(t, "seed")
		size := rapid.Int64Range(0, 1<<40).Draw(t, "size")

		d := NewBasicDescriptor(remotePath, digest.FromString(seed), size)
		s, err := d.Serialize()
		require.NoError(t, err)

		got := &BasicDescriptor{}
		require.NoError(t, got.Deserialize(s))
		require.Equal(t, d.RemotePath(), got.RemotePath())
		require.Equal(t, d.Version(), got.Version())
		require.Equal(t, d.FileSize(), got.FileSize())
	})
}

func TestBasicDescriptorSerializeRejectsEmptyRemotePath(t *testing.T) {
	d := NewBasicDescriptor("", digest.FromString("x"), 10)
	_, err := d.Serialize()
	require.Error(t, err)
}

func TestBasicDescriptorDeserializeRejectsMalformed(t *testing.T) {
	got := &BasicDescriptor{}
	require.Error(t, got.Deserialize("only one field"))
	require.Error(t, got.Deserialize("not-a-digest\n/path\n10"))
	require.Error(t, got.Deserialize(digest.FromString("x").String()+"\n/path\nnot-a-number"))
}

func TestLookupClassRegistersBasic(t *testing.T) {
	ctor, ok := lookupClass(basicClassTag)
	require.True(t, ok)
	require.IsType(t, &BasicDescriptor{}, ctor())
}

func TestIsModifiedComparesVersionOnly(t *testing.T) {
	a := NewBasicDescriptor("/x", digest.FromString("v1"), 10)
	b := NewBasicDescriptor("/x", digest.FromString("v1"), 999)
	c := NewBasicDescriptor("/x", digest.FromString("v2"), 10)

	require.False(t, isModified(a, b))
	require.True(t, isModified(a, c))
}
