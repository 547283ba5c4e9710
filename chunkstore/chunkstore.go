// Package chunkstore implements the content-addressed, authenticated,
// compressed byte store from spec.md §4.1. Chunks are immutable once
// written and deduplicated across all assets by the BLAKE3-256 hash of
// their plaintext.
package chunkstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"aifs.dev/engine/aifserr"
	"aifs.dev/engine/kms"
)

const (
	// HashSize is the width of a BLAKE3-256 content hash.
	HashSize = 32

	nonceSize = 12
	tagSize   = 16

	// CodecNone stores the AEAD plaintext uncompressed.
	CodecNone byte = 0x00
	// CodecZstd stores the AEAD plaintext as a zstd frame.
	CodecZstd byte = 0x01

	defaultCompressionLevel = 1
)

// Hash is a BLAKE3-256 content hash, the chunk's primary id.
type Hash [HashSize]byte

// String renders the hash as lowercase hex, per spec.md §3's identifier
// convention.
func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, HashSize*2)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// SumHash computes the BLAKE3-256 hash of plaintext.
func SumHash(plaintext []byte) Hash {
	return Hash(blake3.Sum256(plaintext))
}

// Meta is a chunk's sidecar record, persisted by the caller (typically the
// Metadata Store) alongside the ciphertext file.
type Meta struct {
	Hash             Hash
	SizePlain        uint64
	SizeStored       uint64
	KMSKeyID         string
	WrappedDEK       []byte
	Nonce            [nonceSize]byte
	AEADTag          [tagSize]byte
	Codec            byte
	CompressionLevel int
}

// MetaPersister is the durable side-table for chunk Meta records. The
// Metadata Store (spec.md §4.4) implements this; the chunk store itself
// only owns the ciphertext files on disk.
type MetaPersister interface {
	SaveChunkMeta(Meta) error
	LoadChunkMeta(Hash) (Meta, bool, error)
}

// Store is the content-addressed chunk store. A Store is safe for
// concurrent use: writes are idempotent on content hash. Reads take the
// cache mutex only for the in-memory lookup; disk I/O and decryption run
// outside it.
type Store struct {
	root      string
	provider  kms.Provider
	metaStore MetaPersister

	mu    sync.Mutex // guards the in-process dedup cache
	cache map[Hash]Meta
}

// Open opens (creating if absent) a chunk store rooted at root, sharded by
// the first two hex characters of each chunk hash (spec.md §4.1 step 5).
// metaStore persists each chunk's sidecar record (spec.md §6).
func Open(root string, provider kms.Provider, metaStore MetaPersister) (*Store, error) {
	if root == "" {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "chunkstore: root required")
	}
	if provider == nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "chunkstore: kms provider required")
	}
	if metaStore == nil {
		return nil, aifserr.New(aifserr.CodeInvalidArgument, "chunkstore: meta store required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	return &Store{root: root, provider: provider, metaStore: metaStore, cache: make(map[Hash]Meta)}, nil
}

func shardDir(root string, h Hash) string {
	hex := h.String()
	return filepath.Join(root, hex[:2])
}

func chunkPath(root string, h Hash) string {
	hex := h.String()
	return filepath.Join(shardDir(root, h), hex)
}

// Put stores plaintext, deduplicating on its BLAKE3-256 hash. level selects
// the zstd compression level (1..=22); 0 selects the store's default.
func (s *Store) Put(plaintext []byte, level int) (Hash, Meta, error) {
	if level == 0 {
		level = defaultCompressionLevel
	}
	if level < 1 || level > 22 {
		return Hash{}, Meta{}, aifserr.New(aifserr.CodeInvalidArgument, "chunkstore: compression level must be 1..=22")
	}

	hash := SumHash(plaintext)

	s.mu.Lock()
	if existing, ok := s.cache[hash]; ok {
		s.mu.Unlock()
		return hash, existing, nil
	}
	s.mu.Unlock()

	if meta, ok, err := s.readMeta(hash); err != nil {
		return Hash{}, Meta{}, err
	} else if ok {
		s.mu.Lock()
		s.cache[hash] = meta
		s.mu.Unlock()
		return hash, meta, nil
	}

	codec := CodecZstd
	stored, err := compress(plaintext, level)
	if err != nil {
		return Hash{}, Meta{}, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	if len(stored) >= len(plaintext) {
		codec = CodecNone
		stored = plaintext
	}

	dek, wrapped, keyID, err := s.provider.Wrap(nil)
	if err != nil {
		return Hash{}, Meta{}, aifserr.Wrap(aifserr.CodeUnavailable, err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Hash{}, Meta{}, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	aead, err := newAEAD(dek)
	if err != nil {
		return Hash{}, Meta{}, aifserr.Wrap(aifserr.CodeInternal, err)
	}

	ad := associatedData(hash, codec)
	sealed := aead.Seal(nil, nonce[:], stored, ad)
	ciphertext := sealed[:len(sealed)-tagSize]
	var tag [tagSize]byte
	copy(tag[:], sealed[len(sealed)-tagSize:])

	meta := Meta{
		Hash:             hash,
		SizePlain:        uint64(len(plaintext)),
		SizeStored:       uint64(len(ciphertext)),
		KMSKeyID:         keyID,
		WrappedDEK:       wrapped,
		Nonce:            nonce,
		AEADTag:          tag,
		Codec:            codec,
		CompressionLevel: level,
	}

	if err := s.writeChunkFile(hash, nonce, tag, ciphertext); err != nil {
		return Hash{}, Meta{}, err
	}
	if err := s.metaStore.SaveChunkMeta(meta); err != nil {
		return Hash{}, Meta{}, aifserr.Wrap(aifserr.CodeUnavailable, err)
	}

	s.mu.Lock()
	s.cache[hash] = meta
	s.mu.Unlock()
	return hash, meta, nil
}

// Get reconstructs the plaintext for hash, verifying the AEAD tag and
// re-hashing the recovered plaintext against hash (spec.md §4.1 read
// contract).
func (s *Store) Get(hash Hash) ([]byte, error) {
	meta, ok, err := s.readMeta(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, aifserr.New(aifserr.CodeNotFound, "chunkstore: chunk not found").WithReason("chunk_missing")
	}

	_, _, ciphertext, err := s.readChunkFile(hash)
	if err != nil {
		return nil, err
	}

	dek, err := s.provider.Unwrap(meta.WrappedDEK, meta.KMSKeyID)
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	aead, err := newAEAD(dek)
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}

	ad := associatedData(hash, meta.Codec)
	sealed := append(append([]byte(nil), ciphertext...), meta.AEADTag[:]...)
	stored, err := aead.Open(nil, meta.Nonce[:], sealed, ad)
	if err != nil {
		slog.Error("chunkstore: AEAD tag mismatch", "hash", hash.String())
		return nil, aifserr.New(aifserr.CodeIntegrity, "chunkstore: AEAD tag mismatch").WithReason("aead_tag_mismatch")
	}

	var plaintext []byte
	switch meta.Codec {
	case CodecNone:
		plaintext = stored
	case CodecZstd:
		plaintext, err = decompress(stored)
		if err != nil {
			return nil, aifserr.Wrap(aifserr.CodeIntegrity, err).WithReason("zstd_decode_failed")
		}
	default:
		return nil, aifserr.New(aifserr.CodeInternal, "chunkstore: unknown codec byte")
	}

	if got := SumHash(plaintext); got != hash {
		slog.Error("chunkstore: rehash mismatch", "want", hash.String(), "got", got.String())
		return nil, aifserr.New(aifserr.CodeIntegrity, "chunkstore: rehash mismatch").WithReason("blake3_mismatch")
	}
	return plaintext, nil
}

// Has reports whether hash is already stored, without reading the payload.
func (s *Store) Has(hash Hash) (bool, error) {
	_, ok, err := s.readMeta(hash)
	return ok, err
}

// associatedData binds the AEAD ciphertext to the chunk hash and codec byte
// so a ciphertext cannot be reinterpreted under the opposite codec
// (spec.md §9 "Transparent compress-then-encrypt").
func associatedData(hash Hash, codec byte) []byte {
	ad := make([]byte, HashSize+1)
	copy(ad, hash[:])
	ad[HashSize] = codec
	return ad
}

func newAEAD(dek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func compress(plaintext []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(plaintext, nil), nil
}

func decompress(stored []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(stored, nil)
}

// zstdLevel maps the spec's 1..=22 level knob onto klauspost/compress's
// coarser SpeedFastest..SpeedBestCompression enum.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// writeChunkFile persists {nonce(12) || aead_tag(16) || ciphertext} to disk
// (spec.md §6 chunk-on-disk layout), write-tmp-then-rename for crash safety.
func (s *Store) writeChunkFile(hash Hash, nonce [nonceSize]byte, tag [tagSize]byte, ciphertext []byte) error {
	dir := shardDir(s.root, hash)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	final := chunkPath(s.root, hash)
	tmp := final + fmt.Sprintf(".tmp-%x", nonce[:4])

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	_, werr := f.Write(nonce[:])
	if werr == nil {
		_, werr = f.Write(tag[:])
	}
	if werr == nil {
		_, werr = f.Write(ciphertext)
	}
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(tmp)
		return aifserr.Wrap(aifserr.CodeUnavailable, werr)
	}
	if serr != nil {
		_ = os.Remove(tmp)
		return aifserr.Wrap(aifserr.CodeUnavailable, serr)
	}
	if cerr != nil {
		_ = os.Remove(tmp)
		return aifserr.Wrap(aifserr.CodeUnavailable, cerr)
	}
	if err := os.Rename(tmp, final); err != nil {
		return aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	return nil
}

func (s *Store) readChunkFile(hash Hash) (nonce [nonceSize]byte, tag [tagSize]byte, ciphertext []byte, err error) {
	path := chunkPath(s.root, hash)
	f, openErr := os.Open(path) // #nosec G304 -- path derived from content hash, not external input.
	if openErr != nil {
		if os.IsNotExist(openErr) {
			err = aifserr.New(aifserr.CodeNotFound, "chunkstore: chunk file missing").WithReason("chunk_file_missing")
			return
		}
		err = aifserr.Wrap(aifserr.CodeUnavailable, openErr)
		return
	}
	defer f.Close()

	raw, readErr := io.ReadAll(f)
	if readErr != nil {
		err = aifserr.Wrap(aifserr.CodeUnavailable, readErr)
		return
	}
	if len(raw) < nonceSize+tagSize {
		err = aifserr.New(aifserr.CodeIntegrity, "chunkstore: truncated chunk file").WithReason("truncated_chunk_file")
		return
	}
	copy(nonce[:], raw[:nonceSize])
	copy(tag[:], raw[nonceSize:nonceSize+tagSize])
	ciphertext = raw[nonceSize+tagSize:]
	return
}

// readMeta looks up the in-process cache first, falling back to the
// durable MetaPersister.
func (s *Store) readMeta(hash Hash) (Meta, bool, error) {
	s.mu.Lock()
	if m, ok := s.cache[hash]; ok {
		s.mu.Unlock()
		return m, true, nil
	}
	s.mu.Unlock()

	return s.metaStore.LoadChunkMeta(hash)
}

// Prune removes a chunk's on-disk ciphertext. Callers (the admin prune path,
// spec.md §4.8 "delete_asset") must have already confirmed the chunk's
// refcount in the Metadata Store reached zero before calling Prune; Prune
// itself only deletes bytes, it does not track references.
func (s *Store) Prune(hash Hash) error {
	s.mu.Lock()
	delete(s.cache, hash)
	s.mu.Unlock()

	path := chunkPath(s.root, hash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	return nil
}
