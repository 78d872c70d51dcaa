package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

const sampleSliceSize = 64 * 1024

// midHash computes a deterministic sampled digest from the first,
// middle, and last 64KiB of a file — cheap enough to run before the
// file is fully hashed, stable for a given set of bytes.
func midHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()

	h := sha256.New()
	offsets := sampleOffsets(size)
	buf := make([]byte, sampleSliceSize)
	for _, off := range offsets {
		n, err := f.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return "", err
		}
		h.Write(buf[:n])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sampleOffsets returns the three read offsets midHash samples: the
// start, the middle, and a final slice ending at EOF. For files smaller
// than one slice the offsets collapse to a single read at zero.
func sampleOffsets(size int64) []int64 {
	if size <= sampleSliceSize {
		return []int64{0}
	}
	mid := (size - sampleSliceSize) / 2
	tail := size - sampleSliceSize
	return []int64{0, mid, tail}
}

const fullHashChunkSize = 1024 * 1024

// fullHash computes the SHA-256 of the entire file, streamed in 1MiB
// chunks so memory use stays flat regardless of file size.
func fullHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, fullHashChunkSize)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
