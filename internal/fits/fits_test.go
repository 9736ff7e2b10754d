package fits

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFilePrimaryHeaderOnly(t *testing.T) {
	w := NewWriter()
	path := filepath.Join(t.TempDir(), "out.fits")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data)%recordSize != 0 {
		t.Fatalf("file length %d is not a multiple of %d", len(data), recordSize)
	}
	if len(data) != recordSize {
		t.Fatalf("primary-only file length = %d, want exactly one record", len(data))
	}
	header := string(data[:recordSize])
	if !strings.HasPrefix(header, "SIMPLE  = ") {
		t.Fatalf("first card = %q, want SIMPLE", header[:20])
	}
	if strings.Contains(header, "EXTEND") {
		t.Fatalf("EXTEND card present with no regions")
	}
}

func TestWriteFileWithRegionEncodesBZEROBiasedBigEndian(t *testing.T) {
	w := NewWriter()
	w.AddRegion(Region{Name: "ccd1", Width: 2, Height: 1, Data: []uint16{32768, 32769}})
	path := filepath.Join(t.TempDir(), "out.fits")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data)%recordSize != 0 {
		t.Fatalf("file length %d is not a multiple of %d", len(data), recordSize)
	}
	if len(data) != 3*recordSize {
		t.Fatalf("length = %d, want 3 records (primary + image header + image data)", len(data))
	}

	imageHeader := string(data[recordSize : 2*recordSize])
	if !strings.Contains(imageHeader, "NAXIS1  =                    2") {
		t.Fatalf("image header missing NAXIS1=2: %q", imageHeader[:400])
	}
	if !strings.Contains(imageHeader, "EXTNAME = 'ccd1    '") {
		t.Fatalf("image header missing EXTNAME, got: %q", imageHeader[:400])
	}

	pixels := data[2*recordSize : 2*recordSize+4]
	// 32768 biased by -32768 is 0 -> big-endian 0x0000
	if pixels[0] != 0 || pixels[1] != 0 {
		t.Fatalf("first pixel bytes = %v, want 0x0000", pixels[0:2])
	}
	// 32769 biased by -32768 is 1 -> big-endian 0x0001
	if pixels[2] != 0 || pixels[3] != 1 {
		t.Fatalf("second pixel bytes = %v, want 0x0001", pixels[2:4])
	}
}

func TestCardTruncatesToCardSize(t *testing.T) {
	c := card("LONGKEY", "a very long value that would overflow the eighty column card boundary", "comment")
	if len(c) != cardSize {
		t.Fatalf("card length = %d, want %d", len(c), cardSize)
	}
}
