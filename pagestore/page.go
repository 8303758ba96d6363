package pagestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/Giulio2002/ehdb/dberr"
)

const (
	// HeaderSize is the fixed page header size (24 bytes)
	HeaderSize = 24

	// MinPageSize is the smallest supported page size
	MinPageSize = 1024

	// MaxPageSize is the largest supported page size
	MaxPageSize = 65536

	// DefaultPageSize is the default page size (4KB)
	DefaultPageSize = 4096

	pageMagic   uint16 = 0x4845 // "EH" little-endian
	pageVersion uint8  = 1
)

// Role identifies what a page holds. Zero means the page was never written.
type Role uint8

const (
	RoleNone Role = iota
	RoleFree
	RoleMeta
	RoleDirectory
	RoleBucket
	RoleNullBucket
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "fresh"
	case RoleFree:
		return "free"
	case RoleMeta:
		return "meta"
	case RoleDirectory:
		return "directory"
	case RoleBucket:
		return "bucket"
	case RoleNullBucket:
		return "null-bucket"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Header is the common page header.
//
// Memory layout (little-endian):
//
//	Offset  Size  Field
//	0       4     checksum (CRC-32C of bytes 4..pageSize)
//	4       2     magic "EH"
//	6       1     role
//	7       1     format version
//	8       4     page index within its file
//	12      4     file id
//	16      8     id of the operation that last committed the page
//	24      ...   body
type Header struct {
	Checksum uint32
	Magic    uint16
	Role     Role
	Version  uint8
	Index    uint32
	File     uint32
	OpID     uint64
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// PageID addresses a page.
type PageID struct {
	File  uint32
	Index uint32
}

// Key packs the id into a single map key.
func (id PageID) Key() uint64 {
	return uint64(id.File)<<32 | uint64(id.Index)
}

// PageIDFromKey reverses Key.
func PageIDFromKey(k uint64) PageID {
	return PageID{File: uint32(k >> 32), Index: uint32(k)}
}

func (id PageID) String() string {
	return fmt.Sprintf("%d:%d", id.File, id.Index)
}

// ReadHeader decodes the header of page.
func ReadHeader(page []byte) Header {
	return Header{
		Checksum: binary.LittleEndian.Uint32(page[0:4]),
		Magic:    binary.LittleEndian.Uint16(page[4:6]),
		Role:     Role(page[6]),
		Version:  page[7],
		Index:    binary.LittleEndian.Uint32(page[8:12]),
		File:     binary.LittleEndian.Uint32(page[12:16]),
		OpID:     binary.LittleEndian.Uint64(page[16:24]),
	}
}

// InitPage zeroes page and writes a header for id with the given role.
func InitPage(page []byte, id PageID, role Role) {
	clear(page)
	binary.LittleEndian.PutUint16(page[4:6], pageMagic)
	page[6] = byte(role)
	page[7] = pageVersion
	binary.LittleEndian.PutUint32(page[8:12], id.Index)
	binary.LittleEndian.PutUint32(page[12:16], id.File)
}

// PageRole returns the role byte of page.
func PageRole(page []byte) Role {
	return Role(page[6])
}

// SetRole changes the role of an initialised page.
func SetRole(page []byte, role Role) {
	page[6] = byte(role)
}

// Body returns the bytes after the header.
func Body(page []byte) []byte {
	return page[HeaderSize:]
}

// IsFresh reports whether page is all zeroes.
func IsFresh(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

// Checksum computes the checksum over everything after the checksum field.
func Checksum(page []byte) uint32 {
	return crc32.Checksum(page[4:], castagnoli)
}

// Stamp records the committing operation and seals the checksum.
// Fresh pages are left untouched.
func Stamp(page []byte, opID uint64) {
	if PageRole(page) == RoleNone && IsFresh(page) {
		return
	}
	binary.LittleEndian.PutUint64(page[16:24], opID)
	binary.LittleEndian.PutUint32(page[0:4], Checksum(page))
}

// Verify checks that page is either fresh or a sealed page belonging to id.
func Verify(page []byte, id PageID) error {
	if IsFresh(page) {
		return nil
	}
	h := ReadHeader(page)
	switch {
	case h.Magic != pageMagic:
		return dberr.Errorf(dberr.ErrCorrupted, "page %s: bad magic 0x%04x", id, h.Magic)
	case h.Version != pageVersion:
		return dberr.Errorf(dberr.ErrCorrupted, "page %s: unsupported format version %d", id, h.Version)
	case h.Index != id.Index || h.File != id.File:
		return dberr.Errorf(dberr.ErrCorrupted, "page %s: header claims %d:%d", id, h.File, h.Index)
	case h.Checksum != Checksum(page):
		return dberr.Errorf(dberr.ErrCorrupted, "page %s: checksum mismatch", id)
	}
	return nil
}

// ValidPageSize reports whether size is a supported power of two.
func ValidPageSize(size int) bool {
	return size >= MinPageSize && size <= MaxPageSize && size&(size-1) == 0
}
