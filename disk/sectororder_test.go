package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderTablesInvert(t *testing.T) {
	for _, so := range []SectorOrder{SectorOrderDOS, SectorOrderProDOS, SectorOrderCPM, SectorOrderPhysical} {
		for s := 0; s < 16; s++ {
			p, err := LogicalToPhysical(s, so)
			require.NoError(t, err)
			back, err := PhysicalToLogical(p, so)
			require.NoError(t, err)
			assert.Equal(t, s, back, "%s sector %d", so, s)
		}
	}
}

func TestOrderComposition(t *testing.T) {
	for _, spt := range []int{13, 16, 32} {
		for s := 0; s < spt; s++ {
			a, err := TranslateSector(s, spt, SectorOrderPhysical, SectorOrderDOS)
			require.NoError(t, err)
			b, err := TranslateSector(a, spt, SectorOrderProDOS, SectorOrderPhysical)
			require.NoError(t, err)
			c, err := TranslateSector(b, spt, SectorOrderPhysical, SectorOrderProDOS)
			require.NoError(t, err)
			d, err := TranslateSector(c, spt, SectorOrderDOS, SectorOrderPhysical)
			require.NoError(t, err)
			assert.Equal(t, s, d, "spt %d sector %d", spt, s)
		}
	}
}

func TestOnlySixteenSectorTracksSkew(t *testing.T) {
	s, err := TranslateSector(1, 13, SectorOrderProDOS, SectorOrderDOS)
	require.NoError(t, err)
	assert.Equal(t, 1, s)

	s, err = TranslateSector(1, 16, SectorOrderProDOS, SectorOrderDOS)
	require.NoError(t, err)
	assert.Equal(t, 0x0e, s)

	_, err = TranslateSector(16, 16, SectorOrderDOS, SectorOrderDOS)
	assert.ErrorIs(t, err, ErrInvalidSector)
}

func TestBlockAccessAcrossOrders(t *testing.T) {
	e := newTestEngine(t)
	for _, so := range []SectorOrder{SectorOrderDOS, SectorOrderProDOS} {
		img, err := e.CreateImage(CreateParams{StorageName: "order.dsk", Order: so}, PRODOS_BLOCKS_PER_DISK)
		require.NoError(t, err)

		for _, b := range []int{0, 1, 7, 100, 279} {
			want := pattern(BLOCK_SIZE, byte(b))
			require.NoError(t, img.WriteBlock(b, want))
			got := make([]byte, BLOCK_SIZE)
			require.NoError(t, img.ReadBlock(b, got))
			assert.Equal(t, want, got)
		}

		// block 1 is DOS sectors 13 and 12 of track 0
		blk := make([]byte, BLOCK_SIZE)
		require.NoError(t, img.ReadBlock(1, blk))
		sec := make([]byte, STD_BYTES_PER_SECTOR)
		require.NoError(t, img.ReadTrackSectorSwapped(0, 0x0d, sec, so, SectorOrderDOS))
		assert.Equal(t, blk[:STD_BYTES_PER_SECTOR], sec, "%s order", so)
		require.NoError(t, img.ReadTrackSectorSwapped(0, 0x0c, sec, so, SectorOrderDOS))
		assert.Equal(t, blk[STD_BYTES_PER_SECTOR:], sec, "%s order", so)
		require.NoError(t, img.CloseImage())
	}
}

func TestBlocksOutOfRange(t *testing.T) {
	e := newTestEngine(t)
	img, err := e.CreateImage(CreateParams{StorageName: "small.po"}, 16)
	require.NoError(t, err)
	buf := make([]byte, BLOCK_SIZE)
	assert.ErrorIs(t, img.ReadBlock(16, buf), ErrInvalidBlock)
	assert.ErrorIs(t, img.ReadBlock(-1, buf), ErrInvalidBlock)
}
