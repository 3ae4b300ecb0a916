package raft

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cellhost/substrate/cellsys/cid"
	"github.com/cellhost/substrate/cellsys/clog"
)

// recordHeaderSize is the fixed part of a WAL record: u32 len || u64 term
// || u8 kind, where len counts term+kind+payload (9 + len(payload)).
const recordHeaderSize = 4 + 8 + 1

// WAL is the append-only log backing a node's persistent entries. The
// wire index is never stored on disk: it is implicit in record order,
// offset by baseIndex (the index of the first record in the current
// file, advanced whenever Compact rewrites it after a snapshot).
type WAL struct {
	path string
	f    *os.File

	baseIndex        uint64
	lastIncludedTerm uint64
	nextIndex        uint64 // index the next Append will assign
}

// Open creates path if absent, replays its metadata sidecar (if any) for
// baseIndex/lastIncludedTerm, and reads every complete record in order. A
// trailing partial record (length prefix present but payload short, e.g.
// from a crash mid-write) is truncated and reported, never treated as
// corruption of the records before it.
func Open(path string) (*WAL, []Entry, error) {
	baseIndex, lastIncludedTerm, err := readMeta(path + ".meta")
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("raft: opening WAL %s: %w", path, err)
	}

	entries, validLen, err := readAll(f, baseIndex)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if err := f.Truncate(validLen); err != nil {
		f.Close()
		return nil, nil, err
	}
	if _, err := f.Seek(validLen, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}

	w := &WAL{
		path:             path,
		f:                f,
		baseIndex:        baseIndex,
		lastIncludedTerm: lastIncludedTerm,
		nextIndex:        baseIndex + 1 + uint64(len(entries)),
	}
	return w, entries, nil
}

// readAll decodes every well-formed record from the start of f, returning
// the reconstructed entries and the byte offset through the last complete
// record (used to truncate any trailing partial write).
func readAll(f *os.File, baseIndex uint64) ([]Entry, int64, error) {
	var entries []Entry
	var offset int64
	hdr := make([]byte, recordHeaderSize)
	for {
		n, err := io.ReadFull(f, hdr)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			clog.Warningf("raft: WAL %s: truncating partial record header at offset %d", f.Name(), offset)
			break
		}
		if err != nil {
			return nil, 0, err
		}
		_ = n
		length := binary.LittleEndian.Uint32(hdr[0:4])
		term := binary.LittleEndian.Uint64(hdr[4:12])
		kind := EntryKind(hdr[12])
		if length < 9 {
			return nil, 0, fmt.Errorf("raft: WAL %s: record length %d below minimum", f.Name(), length)
		}
		payload := make([]byte, length-9)
		if _, err := io.ReadFull(f, payload); err != nil {
			clog.Warningf("raft: WAL %s: truncating partial record payload at offset %d", f.Name(), offset)
			break
		}
		e := Entry{Term: term, Index: baseIndex + 1 + uint64(len(entries)), Kind: kind}
		if err := decodePayload(&e, kind, payload); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
		offset += recordHeaderSize + int64(len(payload))
	}
	return entries, offset, nil
}

// Append writes one record, flushing and fsyncing before returning, so a
// caller never acknowledges an entry the WAL cannot reproduce after a
// crash.
func (w *WAL) Append(e Entry) error {
	payload := encodePayload(e)
	length := 9 + len(payload)
	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint64(buf[4:12], e.Term)
	buf[12] = byte(e.Kind)
	copy(buf[recordHeaderSize:], payload)

	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("raft: WAL append: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("raft: WAL fsync: %w", err)
	}
	w.nextIndex++
	return nil
}

func (w *WAL) NextIndex() uint64 { return w.nextIndex }

// BaseIndex is the index of the last entry folded into the most recent
// snapshot, i.e. the first index kept entries are offset from. Zero until
// the first Compact.
func (w *WAL) BaseIndex() uint64 { return w.baseIndex }

// LastIncludedTerm is the term of the entry at BaseIndex, as recorded by
// the most recent Compact.
func (w *WAL) LastIncludedTerm() uint64 { return w.lastIncludedTerm }

// Compact rewrites the WAL to contain only kept (already trimmed by the
// caller to the retained suffix after a snapshot), atomically via temp
// file + rename, and records the new baseIndex/lastIncludedTerm in the
// metadata sidecar.
func (w *WAL) Compact(kept []Entry, lastIncludedIndex, lastIncludedTerm uint64) error {
	tmp := w.path + ".tmp." + cid.GenUUID()
	tf, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	for _, e := range kept {
		payload := encodePayload(e)
		length := 9 + len(payload)
		buf := make([]byte, recordHeaderSize+len(payload))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
		binary.LittleEndian.PutUint64(buf[4:12], e.Term)
		buf[12] = byte(e.Kind)
		copy(buf[recordHeaderSize:], payload)
		if _, err := tf.Write(buf); err != nil {
			tf.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		os.Remove(tmp)
		return err
	}
	tf.Close()
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return err
	}

	w.f.Close()
	f, err := os.OpenFile(w.path, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	w.f = f
	w.baseIndex = lastIncludedIndex
	w.lastIncludedTerm = lastIncludedTerm
	w.nextIndex = lastIncludedIndex + 1 + uint64(len(kept))

	return writeMeta(w.path+".meta", lastIncludedIndex, lastIncludedTerm)
}

func (w *WAL) Close() error { return w.f.Close() }

func encodePayload(e Entry) []byte {
	switch e.Kind {
	case KindCommand:
		return e.Command
	case KindConfig:
		b := make([]byte, 1+2+len(e.Config.PeerID)+2+len(e.Config.Addr)+2+len(e.Config.CorrelationID))
		off := 0
		b[off] = byte(e.Config.Op)
		off++
		binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(e.Config.PeerID)))
		off += 2
		off += copy(b[off:], e.Config.PeerID)
		binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(e.Config.Addr)))
		off += 2
		off += copy(b[off:], e.Config.Addr)
		binary.LittleEndian.PutUint16(b[off:off+2], uint16(len(e.Config.CorrelationID)))
		off += 2
		copy(b[off:], e.Config.CorrelationID)
		return b
	default: // KindNoop
		return nil
	}
}

func decodePayload(e *Entry, kind EntryKind, payload []byte) error {
	switch kind {
	case KindCommand:
		e.Command = append([]byte(nil), payload...)
	case KindConfig:
		if len(payload) < 1+2 {
			return fmt.Errorf("raft: WAL: truncated config entry")
		}
		off := 0
		e.Config.Op = ConfigOp(payload[off])
		off++
		idLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+idLen+2 > len(payload) {
			return fmt.Errorf("raft: WAL: truncated config peer id")
		}
		e.Config.PeerID = string(payload[off : off+idLen])
		off += idLen
		addrLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+addrLen+2 > len(payload) {
			return fmt.Errorf("raft: WAL: truncated config addr")
		}
		e.Config.Addr = string(payload[off : off+addrLen])
		off += addrLen
		corrLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+corrLen > len(payload) {
			return fmt.Errorf("raft: WAL: truncated config correlation id")
		}
		e.Config.CorrelationID = string(payload[off : off+corrLen])
	case KindNoop:
		// no payload
	default:
		return fmt.Errorf("raft: WAL: unknown entry kind %d", kind)
	}
	return nil
}

// metaSize is the fixed on-disk size of the sidecar: two little-endian
// u64s, baseIndex and lastIncludedTerm.
const metaSize = 16

func readMeta(path string) (baseIndex, lastIncludedTerm uint64, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	if len(b) != metaSize {
		return 0, 0, fmt.Errorf("raft: WAL metadata %s: expected %d bytes, got %d", path, metaSize, len(b))
	}
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16]), nil
}

func writeMeta(path string, baseIndex, lastIncludedTerm uint64) error {
	b := make([]byte, metaSize)
	binary.LittleEndian.PutUint64(b[0:8], baseIndex)
	binary.LittleEndian.PutUint64(b[8:16], lastIncludedTerm)
	tmp := path + ".tmp." + cid.GenUUID()
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
