// Package firmware loads ESP32 application images for OTA transfer.
package firmware

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// MaxImageSize is the size of one app OTA partition (0x1E0000) in the
// LedSaber partition table.
const MaxImageSize = 0x1E0000

var (
	// ErrTooLarge means the image cannot fit the device's app partition.
	ErrTooLarge = errors.New("firmware: image exceeds maximum size")
	// ErrEmpty means the image file has no content.
	ErrEmpty = errors.New("firmware: image is empty")
)

// Image is a firmware binary read once from disk. It must not be modified
// after Load returns.
type Image struct {
	path  string
	data  []byte
	crc32 uint32
}

// Load reads the image at path. Images larger than maxSize (MaxImageSize if
// maxSize <= 0) are rejected before being read. A missing file yields an
// error wrapping fs.ErrNotExist.
func Load(path string, maxSize int) (*Image, error) {
	if maxSize <= 0 {
		maxSize = MaxImageSize
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("firmware: %s is a directory", path)
	}
	if info.Size() > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, info.Size(), maxSize)
	}
	if info.Size() == 0 {
		return nil, ErrEmpty
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: reading image: %w", err)
	}
	// The file may have grown between Stat and ReadFile.
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, len(data), maxSize)
	}

	return New(path, data), nil
}

// New wraps in-memory image bytes. data is retained, not copied.
func New(path string, data []byte) *Image {
	return &Image{
		path:  path,
		data:  data,
		crc32: crc32.ChecksumIEEE(data),
	}
}

// Path returns the file the image was loaded from.
func (img *Image) Path() string { return img.path }

// Name returns the image file's base name.
func (img *Image) Name() string { return filepath.Base(img.path) }

// Len returns the image size in bytes.
func (img *Image) Len() int { return len(img.data) }

// Bytes returns the image contents. Callers must not modify the slice.
func (img *Image) Bytes() []byte { return img.data }

// CRC32 returns the IEEE CRC-32 of the image, the same checksum the device
// logs after receiving it.
func (img *Image) CRC32() uint32 { return img.crc32 }
