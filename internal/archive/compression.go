package archive

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType names a streaming compression algorithm
type CompressionType string

const (
	CompressionTypeZstd CompressionType = "zstd"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeLZ4  CompressionType = "lz4"
)

// Compressor defines streaming compression operations
type Compressor interface {
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	GetAlgorithm() CompressionType
	// Extension is the file suffix without the leading dot, e.g. "zst"
	Extension() string
	GetDefaultLevel() int
	GetMaxLevel() int
	GetMinLevel() int
}

// CompressionManager manages the available compressors
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a new compression manager
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{
		compressors: make(map[CompressionType]Compressor),
	}

	cm.compressors[CompressionTypeZstd] = &ZstdCompressor{}
	cm.compressors[CompressionTypeGzip] = &GzipCompressor{}
	cm.compressors[CompressionTypeLZ4] = &LZ4Compressor{}

	return cm
}

// GetCompressor returns a compressor for the specified algorithm
func (cm *CompressionManager) GetCompressor(algorithm CompressionType) (Compressor, error) {
	compressor, exists := cm.compressors[CompressionType(strings.ToLower(string(algorithm)))]
	if !exists {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
	return compressor, nil
}

// ForExtension returns the compressor whose extension matches ext ("zst", "gz", "lz4")
func (cm *CompressionManager) ForExtension(ext string) (Compressor, error) {
	ext = strings.TrimPrefix(ext, ".")
	for _, c := range cm.compressors {
		if c.Extension() == ext {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no compressor for extension %q", ext)
}

// GetSupportedAlgorithms returns the supported algorithms in a stable order
func (cm *CompressionManager) GetSupportedAlgorithms() []CompressionType {
	algorithms := make([]CompressionType, 0, len(cm.compressors))
	for algorithm := range cm.compressors {
		algorithms = append(algorithms, algorithm)
	}
	sort.Slice(algorithms, func(i, j int) bool { return algorithms[i] < algorithms[j] })
	return algorithms
}

// Extensions returns the file suffixes of every registered compressor
func (cm *CompressionManager) Extensions() []string {
	var exts []string
	for _, algorithm := range cm.GetSupportedAlgorithms() {
		exts = append(exts, cm.compressors[algorithm].Extension())
	}
	return exts
}

// ValidateLevel checks level against the compressor's bounds. Zero means default.
func ValidateLevel(c Compressor, level int) error {
	if level == 0 {
		return nil
	}
	if level < c.GetMinLevel() || level > c.GetMaxLevel() {
		return fmt.Errorf("%s compression level must be between %d and %d, got %d",
			c.GetAlgorithm(), c.GetMinLevel(), c.GetMaxLevel(), level)
	}
	return nil
}

func effectiveLevel(c Compressor, level int) int {
	if level < c.GetMinLevel() || level > c.GetMaxLevel() {
		return c.GetDefaultLevel()
	}
	return level
}

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (zc *ZstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	level = effectiveLevel(zc, level)

	var encoderLevel zstd.EncoderLevel
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return encoder, nil
}

func (zc *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return decoder.IOReadCloser(), nil
}

func (zc *ZstdCompressor) GetAlgorithm() CompressionType { return CompressionTypeZstd }
func (zc *ZstdCompressor) Extension() string             { return "zst" }
func (zc *ZstdCompressor) GetDefaultLevel() int          { return 3 }
func (zc *ZstdCompressor) GetMaxLevel() int              { return 22 }
func (zc *ZstdCompressor) GetMinLevel() int              { return 1 }

// GzipCompressor implements gzip compression
type GzipCompressor struct{}

func (gc *GzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer, err := gzip.NewWriterLevel(w, effectiveLevel(gc, level))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return writer, nil
}

func (gc *GzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	reader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return reader, nil
}

func (gc *GzipCompressor) GetAlgorithm() CompressionType { return CompressionTypeGzip }
func (gc *GzipCompressor) Extension() string             { return "gz" }
func (gc *GzipCompressor) GetDefaultLevel() int          { return 6 }
func (gc *GzipCompressor) GetMaxLevel() int              { return gzip.BestCompression }
func (gc *GzipCompressor) GetMinLevel() int              { return gzip.BestSpeed }

// LZ4Compressor implements LZ4 frame compression
type LZ4Compressor struct{}

func (lc *LZ4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)

	// LZ4 has limited level options - use fast or high compression
	if effectiveLevel(lc, level) > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, fmt.Errorf("failed to set LZ4 high compression: %w", err)
		}
	}
	return writer, nil
}

func (lc *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lc *LZ4Compressor) GetAlgorithm() CompressionType { return CompressionTypeLZ4 }
func (lc *LZ4Compressor) Extension() string             { return "lz4" }
func (lc *LZ4Compressor) GetDefaultLevel() int          { return 1 }
func (lc *LZ4Compressor) GetMaxLevel() int              { return 12 }
func (lc *LZ4Compressor) GetMinLevel() int              { return 1 }
