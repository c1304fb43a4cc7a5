package vector

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
)

// Index file layout (little endian):
//
//	0   magic "KNV1"
//	4   version uint16
//	6   kind uint8
//	7   flags uint8 (bit 0: dimension set)
//	8   dimension uint32
//	12  count uint64
//	20  M, efConstruction, efSearch uint32
//	32  entry uint32
//	36  maxLevel uint32
//	40  seed int64
//	48  reserved [16]byte
//	64  count*dimension float32 vectors
//	    HNSW only: per node, level count then per level a link count and links (uint32)
//	end CRC32 (IEEE) of all preceding bytes
const (
	headerSize    = 64
	formatVersion = 1
	flagDimSet    = 1
)

var fileMagic = [4]byte{'K', 'N', 'V', '1'}

var kindCodes = map[Kind]uint8{KindFlatL2: 1, KindFlatIP: 2, KindHNSW: 3}

func kindFromCode(c uint8) (Kind, bool) {
	for k, v := range kindCodes {
		if v == c {
			return k, true
		}
	}
	return "", false
}

type fileHeader struct {
	kind     Kind
	dim      Dimension
	count    uint64
	hnsw     HNSWParams
	entry    uint32
	maxLevel uint32
}

func (h fileHeader) encode() []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], fileMagic[:])
	binary.LittleEndian.PutUint16(b[4:], formatVersion)
	b[6] = kindCodes[h.kind]
	if h.dim.IsSet() {
		b[7] |= flagDimSet
	}
	binary.LittleEndian.PutUint32(b[8:], uint32(h.dim.Value()))
	binary.LittleEndian.PutUint64(b[12:], h.count)
	binary.LittleEndian.PutUint32(b[20:], uint32(h.hnsw.M))
	binary.LittleEndian.PutUint32(b[24:], uint32(h.hnsw.EFConstruction))
	binary.LittleEndian.PutUint32(b[28:], uint32(h.hnsw.EFSearch))
	binary.LittleEndian.PutUint32(b[32:], h.entry)
	binary.LittleEndian.PutUint32(b[36:], h.maxLevel)
	binary.LittleEndian.PutUint64(b[40:], uint64(h.hnsw.Seed))
	return b
}

func decodeHeader(b []byte) (fileHeader, error) {
	var h fileHeader
	if !bytes.Equal(b[0:4], fileMagic[:]) {
		return h, errors.New("invalid magic")
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != formatVersion {
		return h, fmt.Errorf("unsupported version %d", v)
	}
	kind, ok := kindFromCode(b[6])
	if !ok {
		return h, fmt.Errorf("invalid kind code %d", b[6])
	}
	h.kind = kind
	dim := int(binary.LittleEndian.Uint32(b[8:]))
	if b[7]&flagDimSet != 0 {
		if dim <= 0 {
			return h, errors.New("dimension flag set with zero dimension")
		}
		h.dim = FixedDimension(dim)
	}
	h.count = binary.LittleEndian.Uint64(b[12:])
	if h.count > 0 && !h.dim.IsSet() {
		return h, errors.New("vectors present without dimension")
	}
	if h.count > math.MaxUint32 {
		return h, fmt.Errorf("vector count %d out of range", h.count)
	}
	h.hnsw = HNSWParams{
		M:              int(binary.LittleEndian.Uint32(b[20:])),
		EFConstruction: int(binary.LittleEndian.Uint32(b[24:])),
		EFSearch:       int(binary.LittleEndian.Uint32(b[28:])),
		Seed:           int64(binary.LittleEndian.Uint64(b[40:])),
	}
	h.entry = binary.LittleEndian.Uint32(b[32:])
	h.maxLevel = binary.LittleEndian.Uint32(b[36:])
	return h, nil
}

// fileWriter writes little-endian values and keeps the first error.
type fileWriter struct {
	w   io.Writer
	crc hash.Hash32
	buf [4]byte
	err error
}

func (w *fileWriter) write(p []byte) {
	if w.err != nil {
		return
	}
	if _, err := w.w.Write(p); err != nil {
		w.err = err
		return
	}
	_, _ = w.crc.Write(p)
}

func (w *fileWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:], v)
	w.write(w.buf[:])
}

func (w *fileWriter) floats(vs []float32) {
	const chunk = 4096
	b := make([]byte, 0, chunk*4)
	for len(vs) > 0 {
		n := min(chunk, len(vs))
		b = b[:n*4]
		for i, v := range vs[:n] {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
		w.write(b)
		vs = vs[n:]
	}
}

// writeIndexFile writes header, body and checksum to a temp file next to path,
// then renames it over path.
func writeIndexFile(path string, hdr fileHeader, body func(w *fileWriter)) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	buf := bufio.NewWriterSize(tmp, 256*1024)
	w := &fileWriter{w: buf, crc: crc32.NewIEEE()}
	w.write(hdr.encode())
	body(w)
	if w.err != nil {
		return fmt.Errorf("failed to write index: %w", w.err)
	}
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], w.crc.Sum32())
	if _, err := buf.Write(sum[:]); err != nil {
		return fmt.Errorf("failed to write index checksum: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace index file: %w", err)
	}
	tmpName = ""

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Load reads an index file written by Save. A missing file yields
// ErrIndexNotFound; any decoding failure yields an error wrapping ErrIndexCorrupt.
func Load(path string) (VectorIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, path)
		}
		return nil, corrupt(path, err)
	}
	if len(data) < headerSize+4 {
		return nil, corrupt(path, fmt.Errorf("file too short (%d bytes)", len(data)))
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if got, want := crc32.ChecksumIEEE(body), binary.LittleEndian.Uint32(trailer); got != want {
		return nil, corrupt(path, fmt.Errorf("checksum mismatch: got %08x, want %08x", got, want))
	}
	hdr, err := decodeHeader(body[:headerSize])
	if err != nil {
		return nil, corrupt(path, err)
	}

	r := &sliceReader{b: body[headerSize:]}
	vectors := r.floats(int(hdr.count) * hdr.dim.Value())

	var idx VectorIndex
	switch hdr.kind {
	case KindFlatL2, KindFlatIP:
		f, _ := NewFlatIndex(hdr.kind, hdr.dim)
		f.store = vectorStore{dim: hdr.dim, data: vectors, n: int(hdr.count)}
		idx = f
	case KindHNSW:
		h := NewHNSWIndex(hdr.dim, hdr.hnsw)
		h.store = vectorStore{dim: hdr.dim, data: vectors, n: int(hdr.count)}
		h.links = readLinks(r, int(hdr.count))
		if r.err == nil {
			r.err = validateGraph(h.links, hdr)
		}
		h.entry = hdr.entry
		h.maxLevel = int(hdr.maxLevel)
		idx = h
	}
	if r.err != nil {
		return nil, corrupt(path, r.err)
	}
	if len(r.b) != 0 {
		return nil, corrupt(path, fmt.Errorf("%d trailing bytes", len(r.b)))
	}
	return idx, nil
}

func readLinks(r *sliceReader, count int) [][][]uint32 {
	links := make([][][]uint32, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		nLevels := int(r.u32())
		if nLevels == 0 || nLevels > 64 {
			r.fail(fmt.Errorf("node %d: invalid level count %d", i, nLevels))
			break
		}
		levels := make([][]uint32, nLevels)
		for l := range levels {
			n := int(r.u32())
			if n > count {
				r.fail(fmt.Errorf("node %d: %d links exceed node count", i, n))
				break
			}
			if n == 0 {
				continue
			}
			conns := make([]uint32, n)
			for j := range conns {
				conns[j] = r.u32()
			}
			levels[l] = conns
		}
		links = append(links, levels)
	}
	return links
}

func validateGraph(links [][][]uint32, hdr fileHeader) error {
	if hdr.count == 0 {
		return nil
	}
	if uint64(hdr.entry) >= hdr.count {
		return fmt.Errorf("entry point %d out of range", hdr.entry)
	}
	if len(links[hdr.entry]) != int(hdr.maxLevel)+1 {
		return fmt.Errorf("entry point level does not match max level %d", hdr.maxLevel)
	}
	for i, levels := range links {
		for l, conns := range levels {
			for _, c := range conns {
				if uint64(c) >= hdr.count || len(links[c]) <= l {
					return fmt.Errorf("node %d level %d: invalid link %d", i, l, c)
				}
			}
		}
	}
	return nil
}

type sliceReader struct {
	b   []byte
	err error
}

func (r *sliceReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *sliceReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.fail(io.ErrUnexpectedEOF)
		return nil
	}
	p := r.b[:n]
	r.b = r.b[n:]
	return p
}

func (r *sliceReader) u32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *sliceReader) floats(n int) []float32 {
	p := r.take(n * 4)
	if p == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
	}
	return out
}
