package pipeline

import (
	"fmt"
	"strings"
	"time"

	"sealed-backup/internal/archive"
	"sealed-backup/internal/cipher"
)

const (
	// TimestampLayout is the minute-resolution stamp embedded in artifact names
	TimestampLayout = "200601021504"

	backupMarker = ".backup_"
)

// ArtifactName returns <base>.backup_<YYYYMMDDHHmm><ext> for input
func ArtifactName(input string, now time.Time, ext string) string {
	return archive.BaseName(input) + backupMarker + now.Format(TimestampLayout) + ext
}

// ArtifactInfo is what can be recovered from an artifact file name
type ArtifactInfo struct {
	Base        string
	Timestamp   time.Time
	Compression archive.CompressionType
	// Extension is the full recognized suffix, e.g. ".tar.zst.sbk"
	Extension string
}

// HasArtifactSuffix reports whether name ends in a recognized artifact suffix
func HasArtifactSuffix(name string) bool {
	_, _, ok := splitSuffix(name)
	return ok
}

// ArtifactExtensions lists every recognized artifact suffix
func ArtifactExtensions() []string {
	var exts []string
	for _, ext := range archive.NewCompressionManager().Extensions() {
		exts = append(exts, ".tar."+ext+cipher.Extension)
	}
	return exts
}

func splitSuffix(name string) (stem string, compressor archive.Compressor, ok bool) {
	if !strings.HasSuffix(name, cipher.Extension) {
		return "", nil, false
	}
	withoutCipher := strings.TrimSuffix(name, cipher.Extension)
	i := strings.LastIndex(withoutCipher, ".tar.")
	if i <= 0 {
		return "", nil, false
	}
	c, err := archive.NewCompressionManager().ForExtension(withoutCipher[i+len(".tar."):])
	if err != nil {
		return "", nil, false
	}
	return withoutCipher[:i], c, true
}

// ParseArtifactName splits an artifact file name into its parts. Names without a
// timestamp are accepted with a zero Timestamp, a renamed artifact is still
// restorable as long as the suffix is intact.
func ParseArtifactName(name string) (*ArtifactInfo, error) {
	stem, compressor, ok := splitSuffix(name)
	if !ok {
		return nil, fmt.Errorf("%q does not end in a recognized artifact suffix (%s)",
			name, strings.Join(ArtifactExtensions(), ", "))
	}

	info := &ArtifactInfo{
		Base:        stem,
		Compression: compressor.GetAlgorithm(),
		Extension:   ".tar." + compressor.Extension() + cipher.Extension,
	}

	if i := strings.LastIndex(stem, backupMarker); i > 0 {
		stamp := stem[i+len(backupMarker):]
		if ts, err := time.ParseInLocation(TimestampLayout, stamp, time.Local); err == nil && len(stamp) == len(TimestampLayout) {
			info.Base = stem[:i]
			info.Timestamp = ts
		}
	}
	return info, nil
}
