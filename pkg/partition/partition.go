// Package partition describes how a table's key space is cut into tablets.
package partition

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"metacat/pkg/dberrors"
)

// MaxHash is the largest value of the 16-bit hash space used by hash partitioned tables.
const MaxHash = 0xFFFF

// Partition is a half-open key range [Start, End). An empty Start or End is an open bound.
// Keys are binary and encode to JSON as base64.
type Partition struct {
	Start string
	End   string
}

type partitionJSON struct {
	Start []byte `json:"start,omitempty"`
	End   []byte `json:"end,omitempty"`
}

func (p Partition) MarshalJSON() ([]byte, error) {
	return json.Marshal(partitionJSON{Start: []byte(p.Start), End: []byte(p.End)})
}

func (p *Partition) UnmarshalJSON(data []byte) error {
	var raw partitionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Start, p.End = string(raw.Start), string(raw.End)
	return nil
}

func (p Partition) Contains(key string) bool {
	return key >= p.Start && (p.End == "" || key < p.End)
}

// Overlaps reports whether p intersects the requested range, where an empty
// start or end is open and end is inclusive, matching how locations are requested.
func (p Partition) Overlaps(start, end string) bool {
	if end != "" && p.Start > end {
		return false
	}
	if start != "" && p.End != "" && p.End <= start {
		return false
	}
	return true
}

func (p Partition) String() string {
	return fmt.Sprintf("[%s, %s)", formatKey(p.Start), formatKey(p.End))
}

func formatKey(k string) string {
	if k == "" {
		return "<open>"
	}
	return fmt.Sprintf("0x%X", []byte(k))
}

// EncodeHash returns the 2-byte big-endian partition key of a hash value.
func EncodeHash(h uint16) string {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], h)
	return string(b[:])
}

// DecodeHash is the inverse of EncodeHash. The empty key decodes to lo for a
// start bound and to MaxHash+1 for an end bound.
func DecodeHash(key string, isEnd bool) (uint32, error) {
	if key == "" {
		if isEnd {
			return MaxHash + 1, nil
		}
		return 0, nil
	}
	if len(key) != 2 {
		return 0, dberrors.InvalidArgumentf("hash partition key must be 2 bytes, got %d", len(key))
	}
	return uint32(binary.BigEndian.Uint16([]byte(key))), nil
}

// CreateHashPartitions splits the hash space into n contiguous partitions.
func CreateHashPartitions(n int) ([]Partition, error) {
	if n <= 0 || n > MaxHash+1 {
		return nil, dberrors.InvalidArgumentf("invalid number of hash partitions: %d", n)
	}
	parts := make([]Partition, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			parts[i].Start = EncodeHash(uint16(i * (MaxHash + 1) / n))
		}
		if i < n-1 {
			parts[i].End = EncodeHash(uint16((i + 1) * (MaxHash + 1) / n))
		}
	}
	return parts, nil
}

// SplitHashPartition cuts a hash partition in the middle of its hash range.
func SplitHashPartition(p Partition) (Partition, Partition, error) {
	lo, err := DecodeHash(p.Start, false)
	if err != nil {
		return Partition{}, Partition{}, err
	}
	hi, err := DecodeHash(p.End, true)
	if err != nil {
		return Partition{}, Partition{}, err
	}
	if hi-lo < 2 {
		return Partition{}, Partition{}, dberrors.IllegalStatef("partition %s covers a single hash value", p)
	}
	mid := EncodeHash(uint16(lo + (hi-lo)/2))
	return Partition{Start: p.Start, End: mid}, Partition{Start: mid, End: p.End}, nil
}

// Split cuts p at key. The key must fall strictly inside p.
func Split(p Partition, key string) (Partition, Partition, error) {
	if key <= p.Start || (p.End != "" && key >= p.End) {
		return Partition{}, Partition{}, dberrors.InvalidArgumentf("split key %s is outside of %s", formatKey(key), p)
	}
	return Partition{Start: p.Start, End: key}, Partition{Start: key, End: p.End}, nil
}
