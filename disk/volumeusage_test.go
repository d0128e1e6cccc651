package disk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockUsageConflicts(t *testing.T) {
	vu := NewBlockUsage(16)
	assert.True(t, vu.ByBlocks())
	assert.Equal(t, 16, vu.NumChunks())

	conflict, err := vu.MarkUsed(3, PurposeUserData)
	require.NoError(t, err)
	assert.False(t, conflict)
	conflict, err = vu.MarkUsed(3, PurposeSubdir)
	require.NoError(t, err)
	assert.True(t, conflict)

	// a conflict stays one however often the chunk is claimed
	vu.MarkUsed(3, PurposeSystem)
	cs, err := vu.GetChunkState(3)
	require.NoError(t, err)
	assert.Equal(t, PurposeConflict, cs.Purpose)

	_, err = vu.MarkUsed(16, PurposeUserData)
	assert.ErrorIs(t, err, ErrInvalidBlock)
	_, err = vu.MarkUsedTS(0, 0, PurposeUserData)
	assert.ErrorIs(t, err, ErrUnsupportedAccess)
}

func TestUsageSummary(t *testing.T) {
	vu := NewBlockUsage(8)
	vu.MarkUsed(0, PurposeSystem)
	vu.SetMarkedUsed(0, true)
	vu.MarkUsed(1, PurposeUserData)
	vu.SetMarkedUsed(2, true)
	vu.MarkUsed(4, PurposeUserData)
	vu.MarkUsed(4, PurposeUserData)
	vu.SetMarkedUsed(4, true)
	vu.SetChunkState(7, ChunkState{Damaged: true})

	s := vu.Summary()
	assert.Equal(t, UsageSummary{
		Total:      8,
		Free:       4,
		Used:       3,
		MarkedUsed: 3,
		Conflicts:  1,
		Damaged:    1,
		Leaked:     1,
		Unmarked:   1,
	}, s)
	assert.Equal(t, 4, vu.GetActualFreeChunks())
}

func TestTSUsageMap(t *testing.T) {
	vu := NewTSUsage(3, 4)
	assert.False(t, vu.ByBlocks())
	assert.Equal(t, 4, vu.NumSectPerTrack())

	vu.MarkUsedTS(0, 0, PurposeSystem)
	vu.MarkUsedTS(1, 2, PurposeVolumeDir)
	vu.SetMarkedUsedTS(2, 3, true)
	vu.SetChunkStateTS(2, 0, ChunkState{Damaged: true})

	_, err := vu.GetChunkStateTS(3, 0)
	assert.ErrorIs(t, err, ErrInvalidTrack)
	_, err = vu.GetChunkStateTS(0, 4)
	assert.ErrorIs(t, err, ErrInvalidSector)
	_, err = vu.GetChunkState(0)
	assert.ErrorIs(t, err, ErrUnsupportedAccess)

	rows := strings.Split(strings.TrimSuffix(vu.Map(), "\n"), "\n")
	assert.Equal(t, []string{"S...", "..V.", "#..m"}, rows)
}

func TestChunkPurposeNames(t *testing.T) {
	assert.Equal(t, "embedded volume", PurposeEmbedded.String())
	assert.Equal(t, "unknown", ChunkPurpose(99).String())
	assert.Equal(t, byte('F'), PurposeUserData.mapChar())
}
