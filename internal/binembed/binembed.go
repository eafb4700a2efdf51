// Package binembed implements component I of spec.md §2 (binary object
// embedder): scanning loaded binaries, extracting their
// ELF build ID, and chunking+compressing their bytes into BinaryEmbed
// records (spec.md §3 "Binary embedding record", §4.K "optionally scan
// loaded binaries and emit embedding records"). Compression uses
// klauspost/compress/zstd, the same library brancz-otel-profiling-agent
// uses for profile payloads in the retrieved example set.
package binembed

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/memtrace/tracer/internal/wire"
)

// ChunkSize bounds how much of a binary's compressed bytes ride in one
// BinaryEmbed record, keeping any single wire record well under typical
// sink buffer sizes.
const ChunkSize = 256 * 1024

// BuildID extracts the GNU build-id note from an ELF file's
// .note.gnu.build-id section, falling back to an empty string (never an
// error) if the binary has none — stripped or non-Go binaries commonly
// lack one, and the absence itself is meaningful information for the
// reader, not a failure.
func BuildID(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("binembed: open %s: %w", path, err)
	}
	defer f.Close()

	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", nil
	}
	data, err := sec.Data()
	if err != nil {
		return "", fmt.Errorf("binembed: read build-id note: %w", err)
	}
	return parseBuildIDNote(data), nil
}

// parseBuildIDNote walks the ELF note format (namesz, descsz, type, name,
// desc, each field 4-byte aligned) to pull out the build-id hex string.
func parseBuildIDNote(data []byte) string {
	for len(data) >= 12 {
		nameSz := leU32(data[0:4])
		descSz := leU32(data[4:8])
		noteType := leU32(data[8:12])
		off := 12
		nameEnd := off + align4(int(nameSz))
		descStart := nameEnd
		descEnd := descStart + align4(int(descSz))
		if descEnd > len(data) || nameEnd > len(data) {
			return ""
		}
		if noteType == 3 && descSz > 0 { // NT_GNU_BUILD_ID
			return fmt.Sprintf("%x", data[descStart:descStart+int(descSz)])
		}
		data = data[descEnd:]
	}
	return ""
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// Embedder compresses and chunks one binary's bytes into a sequence of
// BinaryEmbed records, called once per newly observed module (spec.md
// §4.K, gated by WRITE_BINARIES_TO_OUTPUT).
type Embedder struct {
	encoder *zstd.Encoder
}

// NewEmbedder builds a reusable zstd encoder; reuse avoids re-paying
// dictionary setup cost across multiple binaries in one process.
func NewEmbedder() (*Embedder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("binembed: new zstd encoder: %w", err)
	}
	return &Embedder{encoder: enc}, nil
}

func (e *Embedder) Close() error {
	return e.encoder.Close()
}

// Embed reads path, compresses it, and splits it into ChunkSize-sized
// BinaryEmbed records ready to frame onto the wire.
func (e *Embedder) Embed(path string) ([]*wire.BinaryEmbed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("binembed: read %s: %w", path, err)
	}
	buildID, err := BuildID(path)
	if err != nil {
		return nil, err
	}

	var compressed bytes.Buffer
	zw := e.encoder
	zw.Reset(&compressed)
	if _, err := io.Copy(zw, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("binembed: compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("binembed: flush compressor for %s: %w", path, err)
	}

	data := compressed.Bytes()
	chunkCount := (len(data) + ChunkSize - 1) / ChunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}
	records := make([]*wire.BinaryEmbed, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		records = append(records, &wire.BinaryEmbed{
			Path:          path,
			BuildID:       buildID,
			TotalLength:   uint64(len(raw)),
			ChunkIndex:    uint32(i),
			ChunkCount:    uint32(chunkCount),
			Bytes:         append([]byte(nil), data[start:end]...),
			CompressedLen: uint64(len(data)),
		})
	}
	return records, nil
}
