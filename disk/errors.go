package disk

import (
	"errors"
	"fmt"
)

// DIError is the error taxonomy shared by every layer of the engine. The
// numeric values are stable; callers branch on them with errors.Is.
type DIError int

const (
	ErrNone DIError = 0

	// request errors
	ErrAccessDenied      DIError = -10
	ErrVWAccessForbidden DIError = -11
	ErrSharingViolation  DIError = -12
	ErrNoExclusiveAccess DIError = -13
	ErrWriteProtected    DIError = -14
	ErrCDROMNotSupported DIError = -15
	ErrASPIFailure       DIError = -16
	ErrSPTIFailure       DIError = -17
	ErrSCSIFailure       DIError = -18
	ErrDeviceNotReady    DIError = -19

	// file errors
	ErrFileNotFound    DIError = -20
	ErrForkNotFound    DIError = -21
	ErrAlreadyOpen     DIError = -22
	ErrFileOpen        DIError = -23
	ErrNotReady        DIError = -24
	ErrFileExists      DIError = -25
	ErrDirectoryExists DIError = -26
	ErrDirNotEmpty     DIError = -27

	// I/O errors
	ErrEOF          DIError = -30
	ErrReadFailed   DIError = -31
	ErrWriteFailed  DIError = -32
	ErrDataUnderrun DIError = -33
	ErrDataOverrun  DIError = -34
	ErrGenericIO    DIError = -35

	// format errors
	ErrOddLength               DIError = -40
	ErrUnrecognizedFileFmt     DIError = -41
	ErrBadFileFormat           DIError = -42
	ErrUnsupportedFileFmt      DIError = -43
	ErrUnsupportedPhysicalFmt  DIError = -44
	ErrUnsupportedFSFmt        DIError = -45
	ErrBadOrdering             DIError = -46
	ErrFilesystemNotFound      DIError = -47
	ErrUnsupportedAccess       DIError = -48
	ErrUnsupportedImageFeature DIError = -49

	// addressing errors
	ErrInvalidTrack  DIError = -50
	ErrInvalidSector DIError = -51
	ErrInvalidBlock  DIError = -52
	ErrInvalidIndex  DIError = -53

	// filesystem structure errors
	ErrDirectoryLoop DIError = -60
	ErrFileLoop      DIError = -61
	ErrBadDiskImage  DIError = -62
	ErrBadFile       DIError = -63
	ErrBadDirectory  DIError = -64
	ErrBadPartition  DIError = -65

	// archive errors
	ErrFileArchive            DIError = -70
	ErrUnsupportedCompression DIError = -71
	ErrBadChecksum            DIError = -72
	ErrBadCompressedData      DIError = -73
	ErrBadArchiveStruct       DIError = -74

	// nibble errors
	ErrBadNibbleSectors DIError = -80
	ErrSectorUnreadable DIError = -81
	ErrInvalidDiskByte  DIError = -82
	ErrBadRawData       DIError = -83

	// higher-level errors
	ErrInvalidFileName   DIError = -90
	ErrDiskFull          DIError = -91
	ErrVolumeDirFull     DIError = -92
	ErrInvalidCreateReq  DIError = -93
	ErrTooBig            DIError = -94
	ErrGeneric           DIError = -101
	ErrInternal          DIError = -102
	ErrMalloc            DIError = -103
	ErrInvalidArg        DIError = -104
	ErrNotSupported      DIError = -105
	ErrCancelled         DIError = -106
	ErrNufxLibInitFailed DIError = -110
)

var diErrorText = map[DIError]string{
	ErrNone: "(no error)",

	ErrAccessDenied:      "access denied",
	ErrVWAccessForbidden: "for safety, write access to this volume is forbidden",
	ErrSharingViolation:  "file is already open and cannot be shared",
	ErrNoExclusiveAccess: "couldn't get exclusive access",
	ErrWriteProtected:    "write protected",
	ErrCDROMNotSupported: "access to CD-ROM drives is not supported",
	ErrASPIFailure:       "an ASPI request failed",
	ErrSPTIFailure:       "an SPTI request failed",
	ErrSCSIFailure:       "a SCSI request failed",
	ErrDeviceNotReady:    "device not ready",

	ErrFileNotFound:    "file not found",
	ErrForkNotFound:    "fork not found",
	ErrAlreadyOpen:     "an image is already open",
	ErrFileOpen:        "file is open",
	ErrNotReady:        "object not ready",
	ErrFileExists:      "file already exists",
	ErrDirectoryExists: "directory already exists",
	ErrDirNotEmpty:     "directory is not empty",

	ErrEOF:          "end of file reached",
	ErrReadFailed:   "read failed",
	ErrWriteFailed:  "write failed",
	ErrDataUnderrun: "tried to read past end of file",
	ErrDataOverrun:  "too much data",
	ErrGenericIO:    "read/write operation failed",

	ErrOddLength:               "image size is wrong",
	ErrUnrecognizedFileFmt:     "not a recognized disk image format",
	ErrBadFileFormat:           "image file contents aren't in expected format",
	ErrUnsupportedFileFmt:      "file format not supported",
	ErrUnsupportedPhysicalFmt:  "physical format not supported",
	ErrUnsupportedFSFmt:        "filesystem type not supported",
	ErrBadOrdering:             "bad sector ordering",
	ErrFilesystemNotFound:      "specified filesystem not found",
	ErrUnsupportedAccess:       "the method of access used isn't supported for this image",
	ErrUnsupportedImageFeature: "image file uses features that are not supported",

	ErrInvalidTrack:  "invalid track number",
	ErrInvalidSector: "invalid sector number",
	ErrInvalidBlock:  "invalid block number",
	ErrInvalidIndex:  "invalid index number",

	ErrDirectoryLoop: "disk directory structure has an infinite loop",
	ErrFileLoop:      "file structure has an infinite loop",
	ErrBadDiskImage:  "the filesystem on this image appears damaged",
	ErrBadFile:       "file structure appears damaged",
	ErrBadDirectory:  "a directory appears damaged",
	ErrBadPartition:  "bad partition",

	ErrFileArchive:            "this looks like a file archive, not a disk archive",
	ErrUnsupportedCompression: "compression method not supported",
	ErrBadChecksum:            "checksum doesn't match, data may be corrupted",
	ErrBadCompressedData:      "the compressed data is corrupted",
	ErrBadArchiveStruct:       "archive may be damaged",

	ErrBadNibbleSectors: "couldn't read sectors from this image",
	ErrSectorUnreadable: "sector not readable",
	ErrInvalidDiskByte:  "found invalid nibble image disk byte",
	ErrBadRawData:       "couldn't convert raw data to nibble data",

	ErrInvalidFileName:   "invalid file name",
	ErrDiskFull:          "disk full",
	ErrVolumeDirFull:     "volume directory full",
	ErrInvalidCreateReq:  "invalid disk image create request",
	ErrTooBig:            "size is larger than we can handle",
	ErrGeneric:           "DiskImg generic error",
	ErrInternal:          "DiskImg internal error",
	ErrMalloc:            "memory allocation failure",
	ErrInvalidArg:        "invalid argument",
	ErrNotSupported:      "feature not supported",
	ErrCancelled:         "cancelled by user",
	ErrNufxLibInitFailed: "NufxLib initialization failed",
}

func (e DIError) Error() string {
	return DIStrError(e)
}

// DIStrError returns the human readable text for an error code.
func DIStrError(e DIError) string {
	if s, ok := diErrorText[e]; ok {
		return s
	}
	return fmt.Sprintf("unrecognized DiskImg error (%d)", int(e))
}

// ErrorCode digs the DIError out of a wrapped error chain. Errors that carry no
// code report ErrGeneric; a nil error is ErrNone.
func ErrorCode(err error) DIError {
	if err == nil {
		return ErrNone
	}
	var de DIError
	if errors.As(err, &de) {
		return de
	}
	return ErrGeneric
}
