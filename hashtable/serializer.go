package hashtable

import (
	"encoding/binary"

	"github.com/Giulio2002/ehdb/dberr"
)

// Serializer converts keys or values to and from their stored form.
// Serialize must be deterministic.
type Serializer[T any] interface {
	Serialize(v T) []byte
	Deserialize(b []byte) (T, error)
}

// Int32Serializer stores an int32 as 4 big-endian bytes.
type Int32Serializer struct{}

func (Int32Serializer) Serialize(v int32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), uint32(v))
}

func (Int32Serializer) Deserialize(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, dberr.Errorf(dberr.ErrCorrupted, "int32 value has %d bytes", len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Int64Serializer stores an int64 as 8 big-endian bytes.
type Int64Serializer struct{}

func (Int64Serializer) Serialize(v int64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(v))
}

func (Int64Serializer) Deserialize(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, dberr.Errorf(dberr.ErrCorrupted, "int64 value has %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// StringSerializer stores the raw string bytes.
type StringSerializer struct{}

func (StringSerializer) Serialize(v string) []byte {
	return []byte(v)
}

func (StringSerializer) Deserialize(b []byte) (string, error) {
	return string(b), nil
}

// BytesSerializer stores byte slices as they are. Deserialize returns a copy.
type BytesSerializer struct{}

func (BytesSerializer) Serialize(v []byte) []byte {
	return v
}

func (BytesSerializer) Deserialize(b []byte) ([]byte, error) {
	return append([]byte(nil), b...), nil
}
