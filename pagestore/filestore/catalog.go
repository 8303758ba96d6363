package filestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/Giulio2002/ehdb/pagestore"
	"github.com/Giulio2002/ehdb/wal"
)

// Catalog file layout (little-endian):
//
//	Offset  Size  Field
//	0       4     magic "ECAT"
//	4       2     version
//	6       4     page size
//	10      4     file count
//	14      ...   entries: [id u32][pages u32][nameLen u16][name]
//	end-4   4     crc32 of everything before it
const (
	catalogMagic   = "ECAT"
	catalogVersion = 1
	catalogHeader  = 14
)

type catalog struct {
	pageSize int
	files    []pagestore.FileInfo
}

func encodeCatalog(c *catalog) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, catalogMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, catalogVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.pageSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.files)))
	for _, f := range c.files {
		buf = binary.LittleEndian.AppendUint32(buf, f.ID)
		buf = binary.LittleEndian.AppendUint32(buf, f.Pages)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Name)))
		buf = append(buf, f.Name...)
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func decodeCatalog(data []byte) (*catalog, error) {
	if len(data) < catalogHeader+4 {
		return nil, fmt.Errorf("catalog too short (%d bytes)", len(data))
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("catalog checksum mismatch")
	}
	if string(body[:4]) != catalogMagic {
		return nil, fmt.Errorf("catalog has bad magic %q", body[:4])
	}
	if v := binary.LittleEndian.Uint16(body[4:6]); v != catalogVersion {
		return nil, fmt.Errorf("catalog version %d is not supported", v)
	}
	c := &catalog{pageSize: int(binary.LittleEndian.Uint32(body[6:10]))}
	n := binary.LittleEndian.Uint32(body[10:14])
	rest := body[catalogHeader:]
	for i := uint32(0); i < n; i++ {
		if len(rest) < 10 {
			return nil, fmt.Errorf("catalog entry %d truncated", i)
		}
		fi := pagestore.FileInfo{
			ID:    binary.LittleEndian.Uint32(rest[0:4]),
			Pages: binary.LittleEndian.Uint32(rest[4:8]),
		}
		l := int(binary.LittleEndian.Uint16(rest[8:10]))
		rest = rest[10:]
		if len(rest) < l {
			return nil, fmt.Errorf("catalog entry %d name truncated", i)
		}
		fi.Name = string(rest[:l])
		rest = rest[l:]
		c.files = append(c.files, fi)
	}
	return c, nil
}

// readCatalog returns nil, nil when no catalog exists yet.
func readCatalog(path string) (*catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeCatalog(data)
}

// writeCatalog replaces the catalog atomically: temp file, sync, rename,
// then sync the directory so the rename itself is durable.
func writeCatalog(path string, c *catalog) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(encodeCatalog(c)); err != nil {
		f.Close()
		return err
	}
	if err := wal.SyncFile(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
