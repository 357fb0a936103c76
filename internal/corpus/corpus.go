// Package corpus implements the append-only capture log that records
// live syscall streams for later training and offline scoring.
//
// A corpus file is a fixed header followed by length-framed entries.
// Each entry carries a CRC32 for corruption detection, an HMAC-SHA256
// for tamper evidence, and the SHA-256 hash of the previous entry, so
// the file forms a verifiable chain. The HMAC key is derived per file
// (HKDF-SHA256) from the node secret and a random salt stored in the
// header; two files never share a key.
//
// Opening an existing file for append scans to the last intact entry
// and truncates the chain there, so a torn tail from a crash never
// corrupts new captures.
package corpus

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// File format constants.
const (
	Magic      = "ACAP"
	Version    = 1
	HeaderSize = 64
)

// Entry types.
type EntryType uint8

const (
	EntrySessionStart EntryType = 1 // capture session opened
	EntryEventBatch   EntryType = 2 // batch of syscall events
	EntrySessionEnd   EntryType = 3 // capture session closed cleanly
)

// Errors.
var (
	ErrInvalidMagic   = errors.New("corpus: invalid magic number")
	ErrInvalidVersion = errors.New("corpus: unsupported version")
	ErrCorruptedEntry = errors.New("corpus: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("corpus: broken hash chain")
	ErrInvalidHMAC    = errors.New("corpus: HMAC verification failed")
	ErrClosed         = errors.New("corpus: file is closed")
)

// hkdfInfo binds derived keys to this format.
const hkdfInfo = "argosd corpus v1"

// deriveKey derives the per-file HMAC key from the node secret and the
// file salt.
func deriveKey(secret []byte, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive corpus key: %w", err)
	}
	return key, nil
}

// Header is the corpus file header.
type Header struct {
	Magic     [4]byte
	Version   uint32
	Salt      [16]byte
	CreatedAt int64
}

// Entry is a single corpus entry.
type Entry struct {
	Length    uint32
	Sequence  uint64
	Timestamp int64
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	HMAC      [32]byte
	CRC32     uint32
}

// Writer appends entries to a corpus file.
type Writer struct {
	mu sync.Mutex

	path    string
	file    *os.File
	salt    [16]byte
	hmacKey []byte

	nextSequence uint64
	lastHash     [32]byte
	closed       bool

	entryCount uint64
	byteCount  int64
}

// OpenWriter opens or creates a corpus file for appending.
func OpenWriter(path string, secret []byte) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create corpus directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open corpus file: %w", err)
	}

	w := &Writer{path: path, file: file}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat corpus file: %w", err)
	}

	if stat.Size() == 0 {
		if _, err := rand.Read(w.salt[:]); err != nil {
			file.Close()
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		w.byteCount = HeaderSize
		if _, err := file.Seek(HeaderSize, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("seek after header: %w", err)
		}
	} else {
		if err := readHeader(file, &w.salt); err != nil {
			file.Close()
			return nil, err
		}
		key, err := deriveKey(secret, w.salt[:])
		if err != nil {
			file.Close()
			return nil, err
		}
		w.hmacKey = key
		if err := w.scanToEnd(); err != nil {
			file.Close()
			return nil, fmt.Errorf("scan corpus: %w", err)
		}
	}

	if w.hmacKey == nil {
		key, err := deriveKey(secret, w.salt[:])
		if err != nil {
			file.Close()
			return nil, err
		}
		w.hmacKey = key
	}

	return w, nil
}

// writeHeader writes the header of a new corpus file.
func (w *Writer) writeHeader() error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	copy(buf[8:24], w.salt[:])
	binary.BigEndian.PutUint64(buf[24:32], uint64(time.Now().UnixNano()))
	// Bytes 32-64 are reserved.

	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return w.file.Sync()
}

// readHeader validates a corpus header and extracts the salt.
func readHeader(f *os.File, salt *[16]byte) error {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(buf[0:4]) != Magic {
		return ErrInvalidMagic
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	if version != Version {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, version, Version)
	}
	copy(salt[:], buf[8:24])
	return nil
}

// scanToEnd walks the file to the last intact entry, truncating a torn
// tail, and positions the writer for appending.
func (w *Writer) scanToEnd() error {
	offset := int64(HeaderSize)

	for {
		entry, next, err := readEntryAt(w.file, offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Torn or corrupt tail: append from the last good entry.
			break
		}
		w.nextSequence = entry.Sequence + 1
		w.lastHash = entry.hash()
		w.entryCount++
		offset = next
	}

	w.byteCount = offset
	if err := w.file.Truncate(offset); err != nil {
		return err
	}
	if _, err := w.file.Seek(offset, 0); err != nil {
		return err
	}
	return nil
}

// Append adds an entry to the corpus and syncs it to disk.
func (w *Writer) Append(entryType EntryType, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	entry := &Entry{
		Sequence:  w.nextSequence,
		Timestamp: time.Now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  w.lastHash,
	}
	entry.HMAC = computeHMAC(w.hmacKey, entry)
	entry.CRC32 = computeCRC(entry)

	data := serializeEntry(entry)

	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync entry: %w", err)
	}

	w.lastHash = entry.hash()
	w.nextSequence++
	w.entryCount++
	w.byteCount += int64(len(data))
	return nil
}

// EntryCount returns the number of intact entries.
func (w *Writer) EntryCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entryCount
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Reader reads and verifies corpus files.
type Reader struct {
	path    string
	file    *os.File
	hmacKey []byte
}

// OpenReader opens a corpus file for verified reading.
func OpenReader(path string, secret []byte) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus file: %w", err)
	}
	var salt [16]byte
	if err := readHeader(file, &salt); err != nil {
		file.Close()
		return nil, err
	}
	key, err := deriveKey(secret, salt[:])
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Reader{path: path, file: file, hmacKey: key}, nil
}

// Entries reads every entry, verifying CRC, hash chain, and HMAC. Any
// integrity failure aborts the read with a positioned error.
func (r *Reader) Entries() ([]Entry, error) {
	var entries []Entry
	offset := int64(HeaderSize)
	var prevHash [32]byte

	for {
		entry, next, err := readEntryAt(r.file, offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("entry at offset %d: %w", offset, err)
		}
		if entry.Sequence != uint64(len(entries)) {
			return nil, fmt.Errorf("entry at offset %d: %w: sequence %d, expected %d",
				offset, ErrBrokenChain, entry.Sequence, len(entries))
		}
		if entry.Sequence > 0 && entry.PrevHash != prevHash {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if !hmac.Equal(entry.HMAC[:], computeHMACBytes(r.hmacKey, entry)) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrInvalidHMAC)
		}

		entries = append(entries, *entry)
		prevHash = entry.hash()
		offset = next
	}

	return entries, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// readEntryAt reads and deserializes one entry at offset, returning the
// offset of the next entry. io.EOF marks a clean end of file.
func readEntryAt(f *os.File, offset int64) (*Entry, int64, error) {
	lenBuf := make([]byte, 4)
	if _, err := f.ReadAt(lenBuf, offset); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	entryLen := binary.BigEndian.Uint32(lenBuf)
	if entryLen < minEntrySize || entryLen > maxEntrySize {
		return nil, 0, ErrCorruptedEntry
	}

	buf := make([]byte, entryLen)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}

	entry, err := deserializeEntry(buf)
	if err != nil {
		return nil, 0, err
	}
	if entry.CRC32 != computeCRC(entry) {
		return nil, 0, ErrCorruptedEntry
	}
	return entry, offset + int64(entryLen), nil
}

// Entry sizes: length(4) + sequence(8) + timestamp(8) + type(1) +
// payload length(4) + payload + prev hash(32) + hmac(32) + crc(4).
const (
	entryOverhead = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4
	minEntrySize  = entryOverhead
	maxEntrySize  = 16 * 1024 * 1024
)

func serializeEntry(entry *Entry) []byte {
	size := entryOverhead + len(entry.Payload)
	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint32(buf[offset:], uint32(size))
	entry.Length = uint32(size)
	offset += 4

	binary.BigEndian.PutUint64(buf[offset:], entry.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(entry.Timestamp))
	offset += 8
	buf[offset] = byte(entry.Type)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(entry.Payload)))
	offset += 4
	copy(buf[offset:], entry.Payload)
	offset += len(entry.Payload)
	copy(buf[offset:], entry.PrevHash[:])
	offset += 32
	copy(buf[offset:], entry.HMAC[:])
	offset += 32
	binary.BigEndian.PutUint32(buf[offset:], entry.CRC32)

	return buf
}

func deserializeEntry(buf []byte) (*Entry, error) {
	if len(buf) < minEntrySize {
		return nil, ErrCorruptedEntry
	}
	entry := &Entry{}
	offset := 0

	entry.Length = binary.BigEndian.Uint32(buf[offset:])
	if int(entry.Length) != len(buf) {
		return nil, ErrCorruptedEntry
	}
	offset += 4

	entry.Sequence = binary.BigEndian.Uint64(buf[offset:])
	offset += 8
	entry.Timestamp = int64(binary.BigEndian.Uint64(buf[offset:]))
	offset += 8
	entry.Type = EntryType(buf[offset])
	offset++
	payloadLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	if int(payloadLen) != len(buf)-entryOverhead {
		return nil, ErrCorruptedEntry
	}
	entry.Payload = make([]byte, payloadLen)
	copy(entry.Payload, buf[offset:offset+int(payloadLen)])
	offset += int(payloadLen)
	copy(entry.PrevHash[:], buf[offset:offset+32])
	offset += 32
	copy(entry.HMAC[:], buf[offset:offset+32])
	offset += 32
	entry.CRC32 = binary.BigEndian.Uint32(buf[offset:])

	return entry, nil
}

// hash computes the chain hash of an entry.
func (e *Entry) hash() [32]byte {
	h := sha256.New()
	writeEntryFields(h, e)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func computeHMAC(key []byte, e *Entry) [32]byte {
	var out [32]byte
	copy(out[:], computeHMACBytes(key, e))
	return out
}

func computeHMACBytes(key []byte, e *Entry) []byte {
	h := hmac.New(sha256.New, key)
	writeEntryFields(h, e)
	return h.Sum(nil)
}

func computeCRC(e *Entry) uint32 {
	crc := crc32.NewIEEE()
	writeEntryFields(crc, e)
	crc.Write(e.HMAC[:])
	return crc.Sum32()
}

// writeEntryFields feeds the authenticated fields to h in wire order.
func writeEntryFields(h io.Writer, e *Entry) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Sequence)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp))
	h.Write(buf[:])
	h.Write([]byte{byte(e.Type)})
	h.Write(e.Payload)
	h.Write(e.PrevHash[:])
}
