// Package testutil provides testing utilities for rvsim tests.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// FibResult is the value main returns in a0 for the fib fixture.
const FibResult = 55

// FibSteps is the number of instructions the fib fixture retires when ra
// holds the exit address.
const FibSteps = 5091

// Image packs instruction words into a little-endian flat image.
func Image(words ...uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

// TempImage writes image to a temporary .bin file and returns its path.
// The file is automatically cleaned up when the test finishes.
func TempImage(t *testing.T, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(path, image, 0644); err != nil {
		t.Fatalf("failed to write temp image: %v", err)
	}
	return path
}

// TempFile creates a temporary file with the given content and extension.
func TempFile(t *testing.T, content, ext string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test"+ext)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Testdata returns the path of a file in the repository testdata directory.
func Testdata(name string) string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "testdata", name)
}

// ReadTestdata returns the content of a testdata file.
func ReadTestdata(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(Testdata(name))
	if err != nil {
		t.Fatalf("failed to read testdata %s: %v", name, err)
	}
	return data
}

// AssertInt64Equal checks if two int64 values are equal.
func AssertInt64Equal(t *testing.T, expected, actual int64) {
	t.Helper()
	if expected != actual {
		t.Errorf("expected %d, got %d", expected, actual)
	}
}

// AssertUint64Equal checks if two uint64 values are equal, printing hex.
func AssertUint64Equal(t *testing.T, expected, actual uint64) {
	t.Helper()
	if expected != actual {
		t.Errorf("expected 0x%x, got 0x%x", expected, actual)
	}
}
