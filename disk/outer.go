package disk

import (
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicZip   = []byte{'P', 'K', 0x03, 0x04}
	magicBzip2 = []byte{'B', 'Z', 'h'}
)

// image extensions we look for inside a zip archive
var knownImageExts = map[string]bool{
	"do": true, "po": true, "dsk": true, "d13": true, "nib": true, "nb2": true,
	"raw": true, "2mg": true, "2img": true, "dc": true, "dc42": true, "image": true,
	"hdv": true, "iso": true, "app": true, "fdi": true, "ddd": true, "shk": true,
	"sdk": true, "img": true, "cpm": true,
}

// maximum decompressed image; anything bigger is not a floppy or a CFFA card
const maxOuterSize = 8 * 65536 * BLOCK_SIZE

// stripOuter removes gzip, bzip2 or zip compression from data. innerName is
// the name of the image inside the wrapper, which is what the file format
// and sector order guesses go by.
func stripOuter(data []byte, name string) ([]byte, OuterFormat, string, error) {
	switch {
	case bytes.HasPrefix(data, magicGzip):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, OuterFormatUnknown, "", fmt.Errorf("gzip: %w", ErrBadCompressedData)
		}
		raw, err := readLimited(zr)
		if err != nil {
			return nil, OuterFormatUnknown, "", err
		}
		inner := zr.Name
		if inner == "" {
			inner = trimExt(name, "gz")
		}
		return raw, OuterFormatGzip, inner, nil

	case bytes.HasPrefix(data, magicBzip2):
		raw, err := readLimited(bzip2.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, OuterFormatUnknown, "", err
		}
		return raw, OuterFormatBzip2, trimExt(name, "bz2"), nil

	case bytes.HasPrefix(data, magicZip):
		return unzipImage(data)
	}
	return data, OuterFormatNone, name, nil
}

func unzipImage(data []byte) ([]byte, OuterFormat, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, OuterFormatUnknown, "", fmt.Errorf("zip: %w", ErrBadArchiveStruct)
	}

	var pick *zip.File
	var files []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 1 {
		pick = files[0]
	} else {
		for _, f := range files {
			if knownImageExts[imageExt(f.Name)] {
				pick = f
				break
			}
		}
	}
	if pick == nil {
		return nil, OuterFormatUnknown, "", fmt.Errorf("zip holds no disk image: %w", ErrUnrecognizedFileFmt)
	}

	switch pick.Method {
	case zip.Store, zip.Deflate:
	default:
		return nil, OuterFormatUnknown, "", fmt.Errorf("zip method %d: %w", pick.Method, ErrUnsupportedCompression)
	}

	rc, err := pick.Open()
	if err != nil {
		return nil, OuterFormatUnknown, "", fmt.Errorf("zip entry %s: %w", pick.Name, ErrBadCompressedData)
	}
	defer rc.Close()
	raw, err := readLimited(rc)
	if err != nil {
		return nil, OuterFormatUnknown, "", err
	}
	return raw, OuterFormatZip, filepath.Base(pick.Name), nil
}

func readLimited(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxOuterSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", ErrBadCompressedData)
	}
	if len(raw) > maxOuterSize {
		return nil, fmt.Errorf("decompressed image: %w", ErrTooBig)
	}
	return raw, nil
}

// wrapOuter re-applies the outer compression for writing back.
func wrapOuter(outer OuterFormat, innerName string, data []byte) ([]byte, error) {
	var out bytes.Buffer
	switch outer {
	case OuterFormatNone, OuterFormatUnknown:
		return data, nil

	case OuterFormatGzip:
		zw := gzip.NewWriter(&out)
		zw.Name = innerName
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip: %w", ErrWriteFailed)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", ErrWriteFailed)
		}

	case OuterFormatZip:
		zw := zip.NewWriter(&out)
		w, err := zw.Create(innerName)
		if err != nil {
			return nil, fmt.Errorf("zip: %w", ErrWriteFailed)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zip: %w", ErrWriteFailed)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("zip: %w", ErrWriteFailed)
		}

	default:
		return nil, fmt.Errorf("%s output: %w", outer, ErrUnsupportedCompression)
	}
	return out.Bytes(), nil
}

func trimExt(name, ext string) string {
	if strings.EqualFold(imageExt(name), ext) {
		return name[:len(name)-len(ext)-1]
	}
	return name
}
