package binembed

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildIDNoteExtractsHex(t *testing.T) {
	// name="GNU\0" (4 bytes, already aligned), desc=2 bytes 0xAB 0xCD.
	note := []byte{
		4, 0, 0, 0, // namesz
		2, 0, 0, 0, // descsz
		3, 0, 0, 0, // type = NT_GNU_BUILD_ID
		'G', 'N', 'U', 0,
		0xAB, 0xCD, 0, 0, // desc padded to 4-byte alignment
	}
	assert.Equal(t, "abcd", parseBuildIDNote(note))
}

func TestParseBuildIDNoteEmptyOnMalformedData(t *testing.T) {
	assert.Equal(t, "", parseBuildIDNote([]byte{1, 2, 3}))
	assert.Equal(t, "", parseBuildIDNote(nil))
}

func TestBuildIDOnOwnTestBinaryDoesNotError(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	_, err = BuildID(self)
	assert.NoError(t, err)
}

func TestEmbedChunksAndRoundTripsTotalLength(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	info, err := os.Stat(self)
	require.NoError(t, err)

	e, err := NewEmbedder()
	require.NoError(t, err)
	defer e.Close()

	records, err := e.Embed(self)
	require.NoError(t, err)
	require.NotEmpty(t, records)

	for i, r := range records {
		assert.Equal(t, uint64(info.Size()), r.TotalLength)
		assert.Equal(t, uint32(i), r.ChunkIndex)
		assert.Equal(t, uint32(len(records)), r.ChunkCount)
		assert.NotEmpty(t, r.Bytes)
	}
}

func TestEmbedMissingFileErrors(t *testing.T) {
	e, err := NewEmbedder()
	require.NoError(t, err)
	defer e.Close()
	_, err = e.Embed("/nonexistent/path/binary")
	assert.Error(t, err)
}
