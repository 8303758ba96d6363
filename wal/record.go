package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// File header: [4-byte magic "EWAL"][uint16 version]
const (
	walMagic          = "EWAL"
	walHeaderSize     = 6
	walCurrentVersion = 1
)

// Record framing: [uint32 totalLen][byte op][payload...][uint32 crc32]
// The CRC covers the op byte and payload. totalLen includes itself.
const (
	frameOverhead = 4 + 1 + 4
	maxRecordSize = 1 << 26
)

// Op identifies a record type.
type Op byte

const (
	// OpPage carries a full page image.
	// Payload: [opID u64][file u32][index u32][page bytes]
	OpPage Op = 1

	// OpCreateFile registers a new file id.
	// Payload: [opID u64][file u32][nameLen u16][name]
	OpCreateFile Op = 2

	// OpDropFile removes a file.
	// Payload: [opID u64][file u32]
	OpDropFile Op = 3

	// OpCommit closes a group of records written by one operation.
	// Payload: [opID u64][count u32]
	OpCommit Op = 4
)

func (o Op) String() string {
	switch o {
	case OpPage:
		return "page"
	case OpCreateFile:
		return "create-file"
	case OpDropFile:
		return "drop-file"
	case OpCommit:
		return "commit"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Record is one decoded log entry. Which fields are meaningful depends on Op.
type Record struct {
	Op    Op
	OpID  uint64
	File  uint32
	Index uint32
	Name  string
	Count uint32 // OpCommit only: records in the group
	Data  []byte // OpPage only
}

// PageRecord builds an OpPage record. data is referenced, not copied.
func PageRecord(opID uint64, file, index uint32, data []byte) Record {
	return Record{Op: OpPage, OpID: opID, File: file, Index: index, Data: data}
}

// CreateFileRecord builds an OpCreateFile record.
func CreateFileRecord(opID uint64, file uint32, name string) Record {
	return Record{Op: OpCreateFile, OpID: opID, File: file, Name: name}
}

// DropFileRecord builds an OpDropFile record.
func DropFileRecord(opID uint64, file uint32) Record {
	return Record{Op: OpDropFile, OpID: opID, File: file}
}

func commitRecord(opID uint64, count int) Record {
	return Record{Op: OpCommit, OpID: opID, Count: uint32(count)}
}

func (r *Record) payloadSize() int {
	switch r.Op {
	case OpPage:
		return 16 + len(r.Data)
	case OpCreateFile:
		return 14 + len(r.Name)
	case OpDropFile:
		return 12
	case OpCommit:
		return 12
	}
	return 0
}

// encodedSize returns the framed size of the record.
func (r *Record) encodedSize() int {
	return frameOverhead + r.payloadSize()
}

// appendRecord frames r onto buf.
func appendRecord(buf []byte, r *Record) ([]byte, error) {
	switch r.Op {
	case OpPage, OpCreateFile, OpDropFile, OpCommit:
	default:
		return buf, fmt.Errorf("wal: unknown op %d", r.Op)
	}
	if r.Op == OpCreateFile && len(r.Name) > 0xFFFF {
		return buf, fmt.Errorf("wal: file name too long (%d bytes)", len(r.Name))
	}
	total := r.encodedSize()
	if total > maxRecordSize {
		return buf, fmt.Errorf("wal: record too large (%d bytes)", total)
	}

	start := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(total))
	buf = append(buf, byte(r.Op))
	buf = binary.LittleEndian.AppendUint64(buf, r.OpID)
	switch r.Op {
	case OpPage:
		buf = binary.LittleEndian.AppendUint32(buf, r.File)
		buf = binary.LittleEndian.AppendUint32(buf, r.Index)
		buf = append(buf, r.Data...)
	case OpCreateFile:
		buf = binary.LittleEndian.AppendUint32(buf, r.File)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Name)))
		buf = append(buf, r.Name...)
	case OpDropFile:
		buf = binary.LittleEndian.AppendUint32(buf, r.File)
	case OpCommit:
		buf = binary.LittleEndian.AppendUint32(buf, r.Count)
	}
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[start+4:]))
	return buf, nil
}

// decodeBody decodes the op byte and payload of one record (CRC already checked).
func decodeBody(body []byte) (Record, error) {
	var r Record
	if len(body) < 9 {
		return r, fmt.Errorf("wal: record body too short (%d bytes)", len(body))
	}
	r.Op = Op(body[0])
	r.OpID = binary.LittleEndian.Uint64(body[1:9])
	p := body[9:]

	switch r.Op {
	case OpPage:
		if len(p) < 8 {
			return r, fmt.Errorf("wal: truncated page record")
		}
		r.File = binary.LittleEndian.Uint32(p[0:4])
		r.Index = binary.LittleEndian.Uint32(p[4:8])
		r.Data = append([]byte(nil), p[8:]...)
	case OpCreateFile:
		if len(p) < 6 {
			return r, fmt.Errorf("wal: truncated create-file record")
		}
		r.File = binary.LittleEndian.Uint32(p[0:4])
		n := int(binary.LittleEndian.Uint16(p[4:6]))
		if len(p) < 6+n {
			return r, fmt.Errorf("wal: truncated file name")
		}
		r.Name = string(p[6 : 6+n])
	case OpDropFile:
		if len(p) < 4 {
			return r, fmt.Errorf("wal: truncated drop-file record")
		}
		r.File = binary.LittleEndian.Uint32(p[0:4])
	case OpCommit:
		if len(p) < 4 {
			return r, fmt.Errorf("wal: truncated commit record")
		}
		r.Count = binary.LittleEndian.Uint32(p[0:4])
	default:
		return r, fmt.Errorf("wal: unknown op %d", body[0])
	}
	return r, nil
}
