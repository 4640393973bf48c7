package claim

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
)

// Default file limits.
const (
	DefaultMinFileBytes = 1 << 10
	DefaultMaxFileBytes = 10 << 20
)

// File is the user-selected image held in memory while the claim runs.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Limits bounds accepted file sizes in bytes.
type Limits struct {
	MinBytes int
	MaxBytes int
}

// DefaultLimits returns the 1KB..10MB window.
func DefaultLimits() Limits {
	return Limits{MinBytes: DefaultMinFileBytes, MaxBytes: DefaultMaxFileBytes}
}

// ImageType is an accepted image format.
type ImageType struct {
	ContentType string
	Extension   string
}

var (
	imageJPEG = ImageType{ContentType: "image/jpeg", Extension: "jpg"}
	imagePNG  = ImageType{ContentType: "image/png", Extension: "png"}
	imageGIF  = ImageType{ContentType: "image/gif", Extension: "gif"}
)

// declaredTypes maps accepted declared types to their canonical form.
var declaredTypes = map[string]string{
	"image/jpeg": "image/jpeg",
	"image/jpg":  "image/jpeg",
	"image/png":  "image/png",
	"image/gif":  "image/gif",
}

var declaredExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
}

// ValidateFile checks the declared type, extension and size, then sniffs the
// first bytes. The sniffed format must agree with the declared type and decides
// the stored extension, whatever the file name says.
func ValidateFile(f File, limits Limits) (ImageType, error) {
	if limits.MinBytes <= 0 {
		limits.MinBytes = DefaultMinFileBytes
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultMaxFileBytes
	}
	declared, ok := declaredTypes[strings.ToLower(strings.TrimSpace(f.ContentType))]
	if !ok {
		return ImageType{}, fmt.Errorf("unsupported file type %q: use JPEG, PNG or GIF", f.ContentType)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Name), "."))
	if !declaredExtensions[ext] {
		return ImageType{}, fmt.Errorf("unsupported file extension %q", filepath.Ext(f.Name))
	}
	switch size := len(f.Data); {
	case size < limits.MinBytes:
		return ImageType{}, fmt.Errorf("file is %d bytes, minimum is %d", size, limits.MinBytes)
	case size > limits.MaxBytes:
		return ImageType{}, fmt.Errorf("file is %d bytes, maximum is %d", size, limits.MaxBytes)
	}
	sniffed, ok := Sniff(f.Data)
	if !ok {
		return ImageType{}, fmt.Errorf("file content is not a JPEG, PNG or GIF image")
	}
	if sniffed.ContentType != declared {
		return ImageType{}, fmt.Errorf("file declared as %s but content is %s", declared, sniffed.ContentType)
	}
	return sniffed, nil
}

// Sniff identifies an image by the signature in its first four bytes:
// FF D8 for JPEG, 89 50 4E 47 for PNG and 47 49 46 for GIF.
func Sniff(data []byte) (ImageType, bool) {
	if len(data) < 4 {
		return ImageType{}, false
	}
	head := data[:4]
	switch {
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8}):
		return imageJPEG, true
	case bytes.Equal(head, []byte{0x89, 'P', 'N', 'G'}):
		return imagePNG, true
	case bytes.HasPrefix(head, []byte{'G', 'I', 'F'}):
		return imageGIF, true
	default:
		return ImageType{}, false
	}
}

// ObjectName is the storage key of a cell image.
func ObjectName(x, y int, ext string) string {
	return fmt.Sprintf("pixel_%d_%d.%s", x, y, ext)
}
