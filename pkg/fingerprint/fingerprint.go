// Package fingerprint computes content digests used for change detection.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"

	"github.com/openfroyo/mailstack/pkg/engine"
	"github.com/openfroyo/mailstack/pkg/future"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Bytes returns the hex-encoded sha256 digest of content.
func Bytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// String is Bytes for string content.
func String(content string) string {
	return Bytes([]byte(content))
}

// File fingerprints a local file.
func File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", engine.NewIOError(fmt.Sprintf("failed to read %s", path), err)
	}
	return Bytes(data), nil
}

// FS fingerprints a file within fsys.
func FS(fsys fs.FS, path string) (string, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return "", engine.NewIOError(fmt.Sprintf("failed to read %s", path), err)
	}
	return Bytes(data), nil
}

// Of returns a deferred fingerprint of deferred content.
func Of(content *future.Future[[]byte]) *future.Future[string] {
	return future.Then(content, func(_ context.Context, b []byte) (string, error) {
		return Bytes(b), nil
	})
}

// OfString returns a deferred fingerprint of a deferred string.
func OfString(content *future.Future[string]) *future.Future[string] {
	return future.Then(content, func(_ context.Context, s string) (string, error) {
		return String(s), nil
	})
}
