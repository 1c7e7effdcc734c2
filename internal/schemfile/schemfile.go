// Package schemfile validates uploaded schematic files. Schematics are
// gzip-compressed NBT documents whose root tag is a compound.
package schemfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/klauspost/compress/gzip"
)

// MaxDecompressedSize bounds how much NBT a single upload may inflate to.
const MaxDecompressedSize = 64 << 20

const tagCompound = 0x0A

var (
	// ErrNotGzip is returned when the data does not start with the gzip magic.
	ErrNotGzip = errors.New("schematic is not gzip compressed")
	// ErrNotNBT is returned when the decompressed root is not a named compound tag.
	ErrNotNBT = errors.New("schematic root is not an NBT compound")
	// ErrTooLarge is returned when the decompressed payload exceeds MaxDecompressedSize.
	ErrTooLarge = errors.New("schematic decompresses past size limit")
)

// Info describes a validated schematic.
type Info struct {
	// RootName is the name of the root compound tag, usually "Schematic".
	RootName string
	// Size is the decompressed NBT size in bytes.
	Size int64
}

// IsGzip reports whether data starts with the gzip magic bytes 1F 8B.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B
}

// Validate checks that data is a complete gzip stream wrapping an NBT
// document with a compound root.
func Validate(data []byte) (Info, error) {
	if !IsGzip(data) {
		return Info{}, ErrNotGzip
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotGzip, err)
	}
	defer zr.Close()

	br := bufio.NewReader(io.LimitReader(zr, MaxDecompressedSize+1))

	tag, err := br.ReadByte()
	if err != nil {
		return Info{}, fmt.Errorf("%w: empty payload", ErrNotNBT)
	}
	if tag != tagCompound {
		return Info{}, fmt.Errorf("%w: root tag type 0x%02X", ErrNotNBT, tag)
	}

	var nameLen uint16
	if err := binary.Read(br, binary.BigEndian, &nameLen); err != nil {
		return Info{}, fmt.Errorf("%w: truncated root name", ErrNotNBT)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(br, name); err != nil {
		return Info{}, fmt.Errorf("%w: truncated root name", ErrNotNBT)
	}

	// Drain the rest so the gzip trailer checksum is verified.
	rest, err := io.Copy(io.Discard, br)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotGzip, err)
	}

	size := 3 + int64(nameLen) + rest
	if size > MaxDecompressedSize {
		return Info{}, ErrTooLarge
	}
	return Info{RootName: string(name), Size: size}, nil
}

// SanitizeFileName reduces a client supplied file name to a safe base name.
// Empty results fall back to "schematic.schem".
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "schematic.schem"
	}
	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:255-len(ext)], "") + ext
	}
	return name
}
