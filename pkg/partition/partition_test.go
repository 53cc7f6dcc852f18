package partition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"metacat/pkg/dberrors"
)

func bytesKey(b ...byte) string { return string(b) }

func TestMiddleKey(t *testing.T) {
	cases := []struct {
		start, end, want string
	}{
		{"", "", bytesKey(128)},
		{bytesKey(0, 0), bytesKey(42, 170), bytesKey(21, 85)},
		{bytesKey(42, 170), bytesKey(85, 84), bytesKey(63, 255)},
		{bytesKey(213, 81), bytesKey(255, 255), bytesKey(234, 168)},
		{bytesKey(255, 253), bytesKey(255, 255), bytesKey(255, 254)},
		{"", "AAAAAA", bytesKey(32, 160, 160, 160, 160, 160)},
		{"AAAAAA", "", bytesKey(160, 160, 160, 160, 160, 160)},
		{"AAAAAA", "CCCCCC", "BBBBBB"},
		{"AAAAAA", "AAAAAC", "AAAAAB"},
		{"A", "AAAAAA", bytesKey(65, 32, 160, 160, 160, 160)},
		{bytesKey(1, 255, 20), bytesKey(2, 5, 101), bytesKey(2, 2, 60)},
	}
	for _, c := range cases {
		got := MiddleKey(c.start, c.end)
		require.Equal(t, []byte(c.want), []byte(got), "start=%q end=%q", c.start, c.end)
	}
}

func TestMiddleKeyAddsPrecision(t *testing.T) {
	mid := MiddleKey(bytesKey(0), bytesKey(1))
	require.Equal(t, []byte{0, 128}, []byte(mid))
	require.Greater(t, mid, bytesKey(0))
	require.Less(t, mid, bytesKey(1))
}

func TestCreateHashPartitions(t *testing.T) {
	parts, err := CreateHashPartitions(4)
	require.NoError(t, err)
	require.Len(t, parts, 4)
	require.Equal(t, "", parts[0].Start)
	require.Equal(t, EncodeHash(0x4000), parts[0].End)
	require.Equal(t, EncodeHash(0x8000), parts[2].Start)
	require.Equal(t, "", parts[3].End)
	for i := 1; i < len(parts); i++ {
		require.Equal(t, parts[i-1].End, parts[i].Start)
	}

	single, err := CreateHashPartitions(1)
	require.NoError(t, err)
	require.Equal(t, []Partition{{}}, single)

	_, err = CreateHashPartitions(0)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestSplitHashPartition(t *testing.T) {
	left, right, err := SplitHashPartition(Partition{})
	require.NoError(t, err)
	require.Equal(t, Partition{End: EncodeHash(0x8000)}, left)
	require.Equal(t, Partition{Start: EncodeHash(0x8000)}, right)

	_, _, err = SplitHashPartition(Partition{Start: EncodeHash(7), End: EncodeHash(8)})
	require.ErrorIs(t, err, dberrors.ErrIllegalState)
}

func TestSplitAtKey(t *testing.T) {
	left, right, err := Split(Partition{End: "m"}, "g")
	require.NoError(t, err)
	require.Equal(t, Partition{End: "g"}, left)
	require.Equal(t, Partition{Start: "g", End: "m"}, right)

	_, _, err = Split(Partition{Start: "g", End: "m"}, "g")
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	_, _, err = Split(Partition{Start: "g", End: "m"}, "z")
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestContainsAndOverlaps(t *testing.T) {
	p := Partition{Start: "g", End: "m"}
	require.True(t, p.Contains("g"))
	require.True(t, p.Contains("l"))
	require.False(t, p.Contains("m"))
	require.False(t, p.Contains("a"))

	require.True(t, p.Overlaps("", ""))
	require.True(t, p.Overlaps("a", "g"))
	require.True(t, p.Overlaps("l", ""))
	require.False(t, p.Overlaps("m", ""))
	require.False(t, p.Overlaps("", "f"))
	require.True(t, Partition{Start: "m"}.Overlaps("z", ""))
}

func TestPartitionJSONKeepsBinaryKeys(t *testing.T) {
	p := Partition{Start: EncodeHash(0x80FF), End: bytesKey(0xFF, 0x00, 0x7F)}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var got Partition
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, p, got)

	data, err = json.Marshal(Partition{})
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(data))
}
