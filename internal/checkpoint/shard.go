package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	atomicfile "github.com/natefinch/atomic"

	"github.com/Voskan/corekv/internal/index"
)

// shard entry wire format: fixed 18 bytes per entry, chosen to mirror the
// packed (key_hash:u64, tag:u16, address:u64) triple spec.md §4.5 names.
const shardEntrySize = 8 + 2 + 8

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func writeShard(path string, entries []index.Entry) error {
	buf := make([]byte, 0, len(entries)*shardEntrySize)
	var rec [shardEntrySize]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(rec[0:8], e.KeyHash)
		binary.LittleEndian.PutUint16(rec[8:10], e.Tag)
		binary.LittleEndian.PutUint64(rec[10:18], e.Address)
		buf = append(buf, rec[:]...)
	}
	return atomicfile.WriteFile(path, bytesReader(buf))
}

func readShard(path string) ([]index.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []index.Entry
	var rec [shardEntrySize]byte
	for {
		_, err := io.ReadFull(r, rec[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("checkpoint: corrupt shard %s: %w", path, err)
		}
		out = append(out, index.Entry{
			KeyHash: binary.LittleEndian.Uint64(rec[0:8]),
			Tag:     binary.LittleEndian.Uint16(rec[8:10]),
			Address: binary.LittleEndian.Uint64(rec[10:18]),
		})
	}
	return out, nil
}
