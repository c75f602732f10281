package blobname

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"
)

// DefaultMaxBlobSize is the largest file content that is uploaded.
const DefaultMaxBlobSize = 128 * 1024

var (
	ErrTooLarge = errors.New("blobname: content too large")
	ErrBinary   = errors.New("blobname: binary content")
)

// Calculator computes blob names: hex sha256 over the path name, a NUL byte
// and the content bytes. The same content under a different path is a
// different blob.
type Calculator struct {
	MaxBlobSize int64
}

func NewCalculator(maxBlobSize int64) *Calculator {
	if maxBlobSize <= 0 {
		maxBlobSize = DefaultMaxBlobSize
	}
	return &Calculator{MaxBlobSize: maxBlobSize}
}

// Name returns the blob name without validating content.
func (c *Calculator) Name(pathName string, content []byte) string {
	return Name(pathName, content)
}

// Name is the blob name of content stored under pathName.
func Name(pathName string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(pathName))
	// path names never contain NUL, so the split point is unambiguous
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// Validate rejects content that is oversized or not valid UTF-8 text.
func (c *Calculator) Validate(content []byte) error {
	if int64(len(content)) > c.MaxBlobSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(content), c.MaxBlobSize)
	}
	if bytes.IndexByte(content, 0) >= 0 || !utf8.Valid(content) {
		return ErrBinary
	}
	return nil
}

// Calculate validates content and returns its blob name.
func (c *Calculator) Calculate(pathName string, content []byte) (string, error) {
	if err := c.Validate(content); err != nil {
		return "", err
	}
	return c.Name(pathName, content), nil
}
