package claim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSniff(t *testing.T) {
	cases := []struct {
		head []byte
		ext  string
		ok   bool
	}{
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, "jpg", true},
		{[]byte{0x89, 'P', 'N', 'G'}, "png", true},
		{[]byte{0xFF, 0xD8, 0x00, 0x00}, "jpg", true},
		{[]byte{'G', 'I', 'F', '8'}, "gif", true},
		{[]byte{'G', 'I', 'F', 0x00}, "gif", true},
		{[]byte{'R', 'I', 'F', 'F'}, "", false},
		{[]byte{0x89, 'P', 'N', 'X'}, "", false},
		{[]byte{0xFF, 0xD8}, "", false},
	}
	for _, tc := range cases {
		got, ok := Sniff(tc.head)
		require.Equal(t, tc.ok, ok)
		require.Equal(t, tc.ext, got.Extension)
	}
}

func TestValidateFileSniffedTypeDecidesExtension(t *testing.T) {
	data := make([]byte, 4096)
	copy(data, []byte{'G', 'I', 'F', '8', '9', 'a'})
	got, err := ValidateFile(File{Name: "photo.jpeg", ContentType: "image/gif", Data: data}, DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, "gif", got.Extension)
	require.Equal(t, "image/gif", got.ContentType)
}

func TestValidateFileAcceptsJPGAlias(t *testing.T) {
	data := make([]byte, 4096)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	got, err := ValidateFile(File{Name: "a.jpg", ContentType: "image/jpg", Data: data}, DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, "jpg", got.Extension)
}

func TestValidateFileRejectsContentMismatch(t *testing.T) {
	jpeg := make([]byte, 4096)
	copy(jpeg, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	_, err := ValidateFile(File{Name: "a.png", ContentType: "image/png", Data: jpeg}, DefaultLimits())
	require.ErrorContains(t, err, "declared as image/png")

	_, err = ValidateFile(File{Name: "a.jpg", ContentType: "image/jpeg", Data: pngFile(4096).Data}, DefaultLimits())
	require.Error(t, err)
}

func TestValidateFileRejects(t *testing.T) {
	limits := Limits{MinBytes: 1024, MaxBytes: 4096}
	cases := map[string]File{
		"declared type": {Name: "a.png", ContentType: "image/webp", Data: pngFile(2048).Data},
		"extension":     {Name: "a.bmp", ContentType: "image/png", Data: pngFile(2048).Data},
		"too small":     {Name: "a.png", ContentType: "image/png", Data: pngFile(1023).Data},
		"too large":     {Name: "a.png", ContentType: "image/png", Data: pngFile(4097).Data},
		"magic":         {Name: "a.png", ContentType: "image/png", Data: make([]byte, 2048)},
	}
	for name, f := range cases {
		_, err := ValidateFile(f, limits)
		require.Error(t, err, name)
	}
	_, err := ValidateFile(pngFile(1024), limits)
	require.NoError(t, err)
}

func TestObjectName(t *testing.T) {
	require.Equal(t, "pixel_0_999.gif", ObjectName(0, 999, "gif"))
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "payment_confirmed", StatePaymentConfirmed.String())
	require.True(t, StateCancelled.Terminal())
	require.False(t, StateCommitting.Terminal())
	require.Equal(t, "unknown", State(99).String())
}
