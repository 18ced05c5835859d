package util

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// VerifyStreamHash checksums the given io.Reader and compares the result
// against the provided md5 and sha256 checksums. It returns true if
// everything matches. Pass an empty slice to skip a checksum type; for
// example, to only verify the SHA-256 hash pass []byte{} for md5.
// The reader is not closed when finished.
func VerifyStreamHash(r io.Reader, md5, sha256 []byte) (bool, error) {
	if len(md5) == 0 && len(sha256) == 0 {
		return true, nil
	}
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	var result = true
	if len(md5) > 0 {
		_, ok := hw.CheckMD5(md5)
		result = result && ok
	}
	if len(sha256) > 0 {
		_, ok := hw.CheckSHA256(sha256)
		result = result && ok
	}
	return result, err
}

// A HashWriter wraps an io.Writer and also calculates the MD5 and SHA-256
// hashes of the bytes written. Content objects are addressed by the
// SHA-256; the MD5 is kept for comparing against checksums published by
// remote sources.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	md5       hash.Hash
	sha256    hash.Hash
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		md5:    md5.New(),
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.md5, hw.sha256)
	return hw
}

// NewMD5Writer returns a HashWriter wrapping w and only computing an MD5
// hash.
func NewMD5Writer(w io.Writer) *HashWriter {
	hw := &HashWriter{
		md5: md5.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.md5)
	return hw
}

// NewHashWriterPlain returns a HashWriter that does not wrap an output
// stream. It just computes the checksums of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{
		md5:    md5.New(),
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(hw.md5, hw.sha256)
	return hw
}

// CheckMD5 returns the MD5 hash for this writer, and compares it for
// equality with the goal hash passed in. An empty goal is treated as
// matching.
func (hw *HashWriter) CheckMD5(goal []byte) ([]byte, bool) {
	var computed []byte
	if hw.md5 != nil {
		computed = hw.md5.Sum(nil)
	}
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// CheckSHA256 returns the SHA-256 hash for this writer, and compares it for
// equality with the goal hash passed in. An empty goal is treated as
// matching.
func (hw *HashWriter) CheckSHA256(goal []byte) ([]byte, bool) {
	var computed []byte
	if hw.sha256 != nil {
		computed = hw.sha256.Sum(nil)
	}
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// SumSHA256Hex returns the SHA-256 hash of the bytes written so far as a
// lowercase hex string. This is the form content objects are addressed by.
func (hw *HashWriter) SumSHA256Hex() string {
	if hw.sha256 == nil {
		return ""
	}
	return hex.EncodeToString(hw.sha256.Sum(nil))
}

// HashFileSHA256 hashes the contents of the reader and returns the SHA-256
// as a lowercase hex string along with the number of bytes read.
func HashFileSHA256(r io.Reader) (string, int64, error) {
	hw := NewHashWriterPlain()
	n, err := io.Copy(hw, r)
	return hw.SumSHA256Hex(), n, err
}
