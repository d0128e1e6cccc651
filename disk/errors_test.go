package disk

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeValues(t *testing.T) {
	// callers compare against these numbers, so they may not drift
	assert.Equal(t, 0, int(ErrNone))
	assert.Equal(t, -10, int(ErrAccessDenied))
	assert.Equal(t, -20, int(ErrFileNotFound))
	assert.Equal(t, -30, int(ErrEOF))
	assert.Equal(t, -40, int(ErrOddLength))
	assert.Equal(t, -50, int(ErrInvalidTrack))
	assert.Equal(t, -60, int(ErrDirectoryLoop))
	assert.Equal(t, -70, int(ErrFileArchive))
	assert.Equal(t, -80, int(ErrBadNibbleSectors))
	assert.Equal(t, -91, int(ErrDiskFull))
	assert.Equal(t, -106, int(ErrCancelled))
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "disk full", ErrDiskFull.Error())
	assert.Equal(t, "(no error)", DIStrError(ErrNone))
	assert.Equal(t, "unrecognized DiskImg error (-999)", DIStrError(DIError(-999)))
	for code, text := range diErrorText {
		assert.NotEmpty(t, text, "code %d", int(code))
	}
}

func TestErrorCodeUnwraps(t *testing.T) {
	assert.Equal(t, ErrNone, ErrorCode(nil))
	assert.Equal(t, ErrGeneric, ErrorCode(io.ErrUnexpectedEOF))

	wrapped := fmt.Errorf("volume %q: %w", "WORK", fmt.Errorf("block 9: %w", ErrInvalidBlock))
	assert.Equal(t, ErrInvalidBlock, ErrorCode(wrapped))
	assert.True(t, errors.Is(wrapped, ErrInvalidBlock))
	assert.False(t, errors.Is(wrapped, ErrInvalidTrack))
}
