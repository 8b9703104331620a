// Package cipher seals files with AES-256-GCM in authenticated chunks.
//
// File layout (integers little-endian):
//
//	magic "SBK1" | version u8 | key mode u8 | kdf iterations u32 |
//	salt [32] | base nonce [12] | chunk size u32
//	then repeated: length u32 (high bit marks the final chunk) | sealed chunk
//
// Each chunk nonce is the base nonce XOR the chunk counter, and the chunk AAD is
// header | counter | final flag, so dropped, reordered or truncated chunks fail
// authentication.
package cipher

import (
	"bufio"
	"context"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	apperrors "sealed-backup/internal/errors"
	"sealed-backup/internal/logging"
)

const (
	// Extension is appended to sealed artifacts
	Extension = ".sbk"
	// DefaultChunkSize is the plaintext size of each sealed chunk
	DefaultChunkSize = 64 * 1024

	magic         = "SBK1"
	formatVersion = uint8(1)
	saltSize      = 32
	nonceSize     = 12
	tagSize       = 16
	headerSize    = len(magic) + 1 + 1 + 4 + saltSize + nonceSize + 4
	maxChunkSize  = 8 * 1024 * 1024
	finalBit      = uint32(1) << 31
)

// Cipher encrypts a file into a sealed artifact and back
type Cipher interface {
	Encrypt(ctx context.Context, srcPath, dstPath string) error
	Decrypt(ctx context.Context, srcPath, dstPath string) error
}

// Header is the fixed preamble of a sealed artifact
type Header struct {
	Version    uint8
	KeyMode    KeyMode
	Iterations uint32
	Salt       [saltSize]byte
	BaseNonce  [nonceSize]byte
	ChunkSize  uint32
}

// Encode returns the exact header bytes, also used as AAD prefix
func (h *Header) Encode() []byte {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, magic...)
	buf = append(buf, h.Version, byte(h.KeyMode))
	buf = binary.LittleEndian.AppendUint32(buf, h.Iterations)
	buf = append(buf, h.Salt[:]...)
	buf = append(buf, h.BaseNonce[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.ChunkSize)
	return buf
}

// ReadHeader parses and validates a header from r
func ReadHeader(r io.Reader) (*Header, []byte, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("artifact too short for header: %w", err)
	}
	if subtle.ConstantTimeCompare(raw[:len(magic)], []byte(magic)) != 1 {
		return nil, nil, errors.New("not a sealed backup artifact (magic mismatch)")
	}

	h := &Header{}
	off := len(magic)
	h.Version = raw[off]
	h.KeyMode = KeyMode(raw[off+1])
	off += 2
	h.Iterations = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	copy(h.Salt[:], raw[off:off+saltSize])
	off += saltSize
	copy(h.BaseNonce[:], raw[off:off+nonceSize])
	off += nonceSize
	h.ChunkSize = binary.LittleEndian.Uint32(raw[off:])

	if h.Version != formatVersion {
		return nil, nil, fmt.Errorf("unsupported artifact version: %d", h.Version)
	}
	if h.KeyMode != KeyModeKeyFile && h.KeyMode != KeyModePassphrase {
		return nil, nil, fmt.Errorf("unknown key mode: %d", h.KeyMode)
	}
	if h.ChunkSize == 0 || h.ChunkSize > maxChunkSize {
		return nil, nil, fmt.Errorf("invalid chunk size in header: %d", h.ChunkSize)
	}
	return h, raw, nil
}

// InspectFile reads the header of the artifact at path
func InspectFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, _, err := ReadHeader(f)
	return h, err
}

// Options tune new artifacts. Zero values select defaults.
type Options struct {
	Iterations int
	ChunkSize  int
}

func (o Options) withDefaults() Options {
	if o.Iterations == 0 {
		o.Iterations = DefaultIterations
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	return o
}

// Validate checks the options after defaults are applied
func (o Options) Validate() error {
	o = o.withDefaults()
	if o.Iterations < minIterations || o.Iterations > maxIterations {
		return fmt.Errorf("kdf iterations must be between %d and %d", minIterations, maxIterations)
	}
	if o.ChunkSize < 1 || o.ChunkSize > maxChunkSize {
		return fmt.Errorf("chunk size must be between 1 and %d", maxChunkSize)
	}
	return nil
}

// AEADCipher implements Cipher with chunked AES-256-GCM
type AEADCipher struct {
	keys       KeySource
	iterations uint32
	chunkSize  uint32
	logger     *logging.Logger
}

// NewAEADCipher creates a cipher sealing with keys
func NewAEADCipher(keys KeySource, opts Options, logger *logging.Logger) (*AEADCipher, error) {
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &AEADCipher{
		keys:       keys,
		iterations: uint32(opts.Iterations),
		chunkSize:  uint32(opts.ChunkSize),
		logger:     logger,
	}, nil
}

// Mode returns the key mode new artifacts are sealed with
func (c *AEADCipher) Mode() KeyMode {
	return c.keys.Mode()
}

// Encrypt seals srcPath into dstPath. Output goes to dstPath+".partial" and is
// renamed into place only after the final chunk is written; an existing dstPath
// is never replaced.
func (c *AEADCipher) Encrypt(ctx context.Context, srcPath, dstPath string) error {
	if _, err := os.Lstat(dstPath); err == nil {
		return apperrors.NewValidationError("artifact already exists", nil).WithContext("path", dstPath)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return apperrors.NewEncryptError("cannot open input", err).WithContext("path", srcPath)
	}
	defer in.Close()

	header := &Header{
		Version:   formatVersion,
		KeyMode:   c.keys.Mode(),
		ChunkSize: c.chunkSize,
	}
	if header.KeyMode == KeyModePassphrase {
		header.Iterations = c.iterations
	}
	if _, err := rand.Read(header.Salt[:]); err != nil {
		return apperrors.NewEncryptError("failed to generate salt", err)
	}
	if _, err := rand.Read(header.BaseNonce[:]); err != nil {
		return apperrors.NewEncryptError("failed to generate nonce", err)
	}

	key, err := c.keys.Key(header.Salt[:], header.Iterations)
	if err != nil {
		return apperrors.NewEncryptError("cannot obtain encryption key", err)
	}
	defer zeroize(key)

	aead, err := newGCM(key)
	if err != nil {
		return apperrors.NewEncryptError("failed to initialize cipher", err)
	}

	partial := dstPath + ".partial"
	out, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return apperrors.NewEncryptError("cannot create output", err).WithContext("path", partial)
	}

	if err := c.seal(ctx, aead, header, in, out); err != nil {
		out.Close()
		os.Remove(partial)
		return apperrors.NewEncryptError("failed to encrypt archive", err).WithContext("path", srcPath)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(partial)
		return apperrors.NewEncryptError("failed to flush output", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return apperrors.NewEncryptError("failed to close output", err)
	}

	if _, err := os.Lstat(dstPath); err == nil {
		os.Remove(partial)
		return apperrors.NewValidationError("artifact already exists", nil).WithContext("path", dstPath)
	}
	if err := os.Rename(partial, dstPath); err != nil {
		os.Remove(partial)
		return apperrors.NewEncryptError("failed to move artifact into place", err)
	}
	return nil
}

func (c *AEADCipher) seal(ctx context.Context, aead gocipher.AEAD, header *Header, in io.Reader, out io.Writer) error {
	headerBytes := header.Encode()
	if _, err := out.Write(headerBytes); err != nil {
		return err
	}

	br := bufio.NewReaderSize(in, int(header.ChunkSize))
	plain := make([]byte, header.ChunkSize)
	sealed := make([]byte, 0, int(header.ChunkSize)+tagSize)
	defer zeroize(plain)

	for counter := uint64(0); ; counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(br, plain)
		final := false
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			final = true
		case err != nil:
			return err
		default:
			if _, perr := br.Peek(1); perr == io.EOF {
				final = true
			} else if perr != nil {
				return perr
			}
		}

		nonce := chunkNonce(header.BaseNonce, counter)
		sealed = aead.Seal(sealed[:0], nonce[:], plain[:n], chunkAAD(headerBytes, counter, final))

		length := uint32(n)
		if final {
			length |= finalBit
		}
		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], length)
		if _, err := out.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := out.Write(sealed); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

// Decrypt opens srcPath into dstPath. On any failure dstPath is removed, so
// a wrong key never leaves plaintext behind.
func (c *AEADCipher) Decrypt(ctx context.Context, srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return apperrors.NewDecryptError("cannot open artifact", err).WithContext("path", srcPath)
	}
	defer in.Close()

	br := bufio.NewReader(in)
	header, headerBytes, err := ReadHeader(br)
	if err != nil {
		return apperrors.NewDecryptError("corrupt or unsupported artifact", err).WithContext("path", srcPath)
	}

	switch {
	case header.KeyMode == KeyModePassphrase && c.keys.Mode() != KeyModePassphrase:
		return apperrors.NewDecryptError("artifact is passphrase protected", nil).
			WithContext("path", srcPath).
			WithUserMessage("This artifact was sealed with a passphrase. Run restore again with -p.")
	case header.KeyMode == KeyModeKeyFile && c.keys.Mode() != KeyModeKeyFile:
		return apperrors.NewDecryptError("artifact is sealed with a key file", nil).
			WithContext("path", srcPath).
			WithUserMessage("This artifact was sealed with a key file. Run restore again without -p.")
	}

	key, err := c.keys.Key(header.Salt[:], header.Iterations)
	if err != nil {
		return apperrors.NewDecryptError("cannot obtain decryption key", err).WithContext("path", srcPath)
	}
	defer zeroize(key)

	aead, err := newGCM(key)
	if err != nil {
		return apperrors.NewDecryptError("failed to initialize cipher", err)
	}

	out, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return apperrors.NewDecryptError("cannot create output", err).WithContext("path", dstPath)
	}

	if err := c.open(ctx, aead, header, headerBytes, br, out); err != nil {
		out.Close()
		os.Remove(dstPath)
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return appErr.WithContext("path", srcPath)
		}
		return apperrors.NewDecryptError("failed to decrypt artifact", err).WithContext("path", srcPath)
	}
	if err := out.Close(); err != nil {
		os.Remove(dstPath)
		return apperrors.NewDecryptError("failed to close output", err)
	}
	return nil
}

func (c *AEADCipher) open(ctx context.Context, aead gocipher.AEAD, header *Header, headerBytes []byte, in io.Reader, out io.Writer) error {
	sealed := make([]byte, int(header.ChunkSize)+tagSize)
	plain := make([]byte, 0, header.ChunkSize)
	defer func() { zeroize(plain[:cap(plain)]) }()

	for counter := uint64(0); ; counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var prefix [4]byte
		if _, err := io.ReadFull(in, prefix[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return apperrors.NewDecryptError("artifact is truncated", err)
			}
			return err
		}
		length := binary.LittleEndian.Uint32(prefix[:])
		final := length&finalBit != 0
		n := length &^ finalBit
		if n > header.ChunkSize || (!final && n != header.ChunkSize) {
			return apperrors.NewDecryptError("artifact is corrupt (bad chunk length)", nil)
		}

		chunk := sealed[:int(n)+tagSize]
		if _, err := io.ReadFull(in, chunk); err != nil {
			return apperrors.NewDecryptError("artifact is truncated", err)
		}

		nonce := chunkNonce(header.BaseNonce, counter)
		var err error
		plain, err = aead.Open(plain[:0], nonce[:], chunk, chunkAAD(headerBytes, counter, final))
		if err != nil {
			return apperrors.NewDecryptError("wrong passphrase or key, or corrupt artifact", err).
				WithUserMessage("Decryption failed: the passphrase or key is wrong, or the artifact is corrupt.")
		}
		if _, err := out.Write(plain); err != nil {
			return err
		}

		if final {
			var extra [1]byte
			if m, _ := in.Read(extra[:]); m > 0 {
				return apperrors.NewDecryptError("artifact has trailing data after the final chunk", nil)
			}
			return nil
		}
	}
}

func newGCM(key []byte) (gocipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return gocipher.NewGCM(block)
}

func chunkNonce(base [nonceSize]byte, counter uint64) [nonceSize]byte {
	var ctr [nonceSize]byte
	binary.LittleEndian.PutUint64(ctr[:8], counter)
	for i := range base {
		base[i] ^= ctr[i]
	}
	return base
}

func chunkAAD(headerBytes []byte, counter uint64, final bool) []byte {
	aad := make([]byte, 0, len(headerBytes)+9)
	aad = append(aad, headerBytes...)
	aad = binary.LittleEndian.AppendUint64(aad, counter)
	if final {
		return append(aad, 1)
	}
	return append(aad, 0)
}
