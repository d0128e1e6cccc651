package disk

import "fmt"

// imageStore is the byte stream under a DiskImg after outer decompression:
// the whole image file for top-level images, or a block range of the parent
// for embedded volumes.
type imageStore interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Len() int64
}

type memStore struct {
	buf []byte
}

func (m *memStore) Len() int64 {
	return int64(len(m.buf))
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("read %d bytes at %d of %d: %w", len(p), off, len(m.buf), ErrDataUnderrun)
	}
	return copy(p, m.buf[off:]), nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("write %d bytes at %d of %d: %w", len(p), off, len(m.buf), ErrDataOverrun)
	}
	return copy(m.buf[off:], p), nil
}

// parentStore views numBlocks blocks of a parent image starting at
// firstBlock. All access goes through the parent's block API so the parent's
// own sector order is honoured.
type parentStore struct {
	parent     *DiskImg
	firstBlock int
	numBlocks  int
}

func (ps *parentStore) Len() int64 {
	return int64(ps.numBlocks) * BLOCK_SIZE
}

func (ps *parentStore) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > ps.Len() {
		return 0, fmt.Errorf("embedded read at %d: %w", off, ErrDataUnderrun)
	}
	blk := make([]byte, BLOCK_SIZE)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		b := int(pos / BLOCK_SIZE)
		inner := int(pos % BLOCK_SIZE)
		if err := ps.parent.ReadBlock(ps.firstBlock+b, blk); err != nil {
			return n, err
		}
		n += copy(p[n:], blk[inner:])
	}
	return n, nil
}

func (ps *parentStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > ps.Len() {
		return 0, fmt.Errorf("embedded write at %d: %w", off, ErrDataOverrun)
	}
	blk := make([]byte, BLOCK_SIZE)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		b := int(pos / BLOCK_SIZE)
		inner := int(pos % BLOCK_SIZE)
		if inner != 0 || len(p)-n < BLOCK_SIZE {
			if err := ps.parent.ReadBlock(ps.firstBlock+b, blk); err != nil {
				return n, err
			}
		}
		c := copy(blk[inner:], p[n:])
		if err := ps.parent.WriteBlock(ps.firstBlock+b, blk); err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}
