package disk

import (
	"fmt"
	"strings"
)

type ChunkPurpose int

const (
	PurposeUnknown ChunkPurpose = iota
	PurposeSystem
	PurposeVolumeDir
	PurposeSubdir
	PurposeUserData
	PurposeFileStruct
	PurposeEmbedded
	PurposeConflict
)

func (p ChunkPurpose) String() string {
	switch p {
	case PurposeSystem:
		return "system"
	case PurposeVolumeDir:
		return "volume directory"
	case PurposeSubdir:
		return "subdirectory"
	case PurposeUserData:
		return "user data"
	case PurposeFileStruct:
		return "file structure"
	case PurposeEmbedded:
		return "embedded volume"
	case PurposeConflict:
		return "conflict"
	}
	return "unknown"
}

func (p ChunkPurpose) mapChar() byte {
	switch p {
	case PurposeSystem:
		return 'S'
	case PurposeVolumeDir:
		return 'V'
	case PurposeSubdir:
		return 'D'
	case PurposeUserData:
		return 'F'
	case PurposeFileStruct:
		return 'I'
	case PurposeEmbedded:
		return 'E'
	case PurposeConflict:
		return 'X'
	}
	return '?'
}

// ChunkState is what is known about one block or sector. Used comes from
// walking the files; MarkedUsed comes from the on-disk allocation map.
type ChunkState struct {
	Used       bool
	MarkedUsed bool
	Damaged    bool
	Purpose    ChunkPurpose
}

// VolumeUsage tracks every chunk of a volume, addressed either by block or
// by track and sector.
type VolumeUsage struct {
	byBlocks   bool
	numTracks  int
	numSectors int
	chunks     []ChunkState
}

func NewBlockUsage(numBlocks int) *VolumeUsage {
	return &VolumeUsage{byBlocks: true, chunks: make([]ChunkState, numBlocks)}
}

func NewTSUsage(numTracks, numSectors int) *VolumeUsage {
	return &VolumeUsage{
		numTracks:  numTracks,
		numSectors: numSectors,
		chunks:     make([]ChunkState, numTracks*numSectors),
	}
}

func (vu *VolumeUsage) ByBlocks() bool       { return vu.byBlocks }
func (vu *VolumeUsage) NumChunks() int       { return len(vu.chunks) }
func (vu *VolumeUsage) NumSectPerTrack() int { return vu.numSectors }

func (vu *VolumeUsage) blockIndex(block int) (int, error) {
	if !vu.byBlocks {
		return -1, ErrUnsupportedAccess
	}
	if block < 0 || block >= len(vu.chunks) {
		return -1, fmt.Errorf("usage block %d: %w", block, ErrInvalidBlock)
	}
	return block, nil
}

func (vu *VolumeUsage) tsIndex(track, sector int) (int, error) {
	if vu.byBlocks {
		return -1, ErrUnsupportedAccess
	}
	if track < 0 || track >= vu.numTracks {
		return -1, fmt.Errorf("usage track %d: %w", track, ErrInvalidTrack)
	}
	if sector < 0 || sector >= vu.numSectors {
		return -1, fmt.Errorf("usage sector %d: %w", sector, ErrInvalidSector)
	}
	return track*vu.numSectors + sector, nil
}

func (vu *VolumeUsage) GetChunkState(block int) (ChunkState, error) {
	i, err := vu.blockIndex(block)
	if err != nil {
		return ChunkState{}, err
	}
	return vu.chunks[i], nil
}

func (vu *VolumeUsage) GetChunkStateTS(track, sector int) (ChunkState, error) {
	i, err := vu.tsIndex(track, sector)
	if err != nil {
		return ChunkState{}, err
	}
	return vu.chunks[i], nil
}

func (vu *VolumeUsage) SetChunkState(block int, cs ChunkState) error {
	i, err := vu.blockIndex(block)
	if err != nil {
		return err
	}
	vu.chunks[i] = cs
	return nil
}

func (vu *VolumeUsage) SetChunkStateTS(track, sector int, cs ChunkState) error {
	i, err := vu.tsIndex(track, sector)
	if err != nil {
		return err
	}
	vu.chunks[i] = cs
	return nil
}

// MarkUsed records that a chunk belongs to something. A chunk claimed
// twice becomes a conflict and stays one. The return value reports a
// conflict.
func (vu *VolumeUsage) MarkUsed(block int, purpose ChunkPurpose) (bool, error) {
	i, err := vu.blockIndex(block)
	if err != nil {
		return false, err
	}
	return vu.claim(i, purpose), nil
}

func (vu *VolumeUsage) MarkUsedTS(track, sector int, purpose ChunkPurpose) (bool, error) {
	i, err := vu.tsIndex(track, sector)
	if err != nil {
		return false, err
	}
	return vu.claim(i, purpose), nil
}

func (vu *VolumeUsage) claim(i int, purpose ChunkPurpose) bool {
	c := &vu.chunks[i]
	if c.Used {
		c.Purpose = PurposeConflict
		return true
	}
	c.Used = true
	c.Purpose = purpose
	return false
}

func (vu *VolumeUsage) snapshot() []ChunkState {
	return append([]ChunkState(nil), vu.chunks...)
}

func (vu *VolumeUsage) restore(saved []ChunkState) {
	copy(vu.chunks, saved)
}

// SetMarkedUsed records the allocation map's view of a chunk.
func (vu *VolumeUsage) SetMarkedUsed(block int, marked bool) error {
	i, err := vu.blockIndex(block)
	if err != nil {
		return err
	}
	vu.chunks[i].MarkedUsed = marked
	return nil
}

func (vu *VolumeUsage) SetMarkedUsedTS(track, sector int, marked bool) error {
	i, err := vu.tsIndex(track, sector)
	if err != nil {
		return err
	}
	vu.chunks[i].MarkedUsed = marked
	return nil
}

// GetActualFreeChunks counts chunks neither used by a file nor marked in
// the allocation map.
func (vu *VolumeUsage) GetActualFreeChunks() int {
	n := 0
	for _, c := range vu.chunks {
		if !c.Used && !c.MarkedUsed {
			n++
		}
	}
	return n
}

type UsageSummary struct {
	Total      int `yaml:"total" json:"total"`
	Free       int `yaml:"free" json:"free"`
	Used       int `yaml:"used" json:"used"`
	MarkedUsed int `yaml:"marked_used" json:"marked_used"`
	Conflicts  int `yaml:"conflicts" json:"conflicts"`
	Damaged    int `yaml:"damaged" json:"damaged"`
	// Leaked chunks are marked in the map but belong to nothing.
	Leaked int `yaml:"leaked" json:"leaked"`
	// Unmarked chunks are in use but free according to the map.
	Unmarked int `yaml:"unmarked" json:"unmarked"`
}

func (vu *VolumeUsage) Summary() UsageSummary {
	s := UsageSummary{Total: len(vu.chunks)}
	for _, c := range vu.chunks {
		if c.Used {
			s.Used++
		}
		if c.MarkedUsed {
			s.MarkedUsed++
		}
		if !c.Used && !c.MarkedUsed {
			s.Free++
		}
		if c.Purpose == PurposeConflict {
			s.Conflicts++
		}
		if c.Damaged {
			s.Damaged++
		}
		if c.MarkedUsed && !c.Used {
			s.Leaked++
		}
		if c.Used && !c.MarkedUsed {
			s.Unmarked++
		}
	}
	return s
}

// Map draws one character per chunk, a row per track (or per 64 blocks):
// '.' free, 'm' marked but unused, '#' damaged, otherwise the purpose.
func (vu *VolumeUsage) Map() string {
	perRow := 64
	if !vu.byBlocks {
		perRow = vu.numSectors
	}
	var sb strings.Builder
	for i, c := range vu.chunks {
		switch {
		case c.Damaged:
			sb.WriteByte('#')
		case c.Used:
			sb.WriteByte(c.Purpose.mapChar())
		case c.MarkedUsed:
			sb.WriteByte('m')
		default:
			sb.WriteByte('.')
		}
		if (i+1)%perRow == 0 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
