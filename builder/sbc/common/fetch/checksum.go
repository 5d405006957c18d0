// Copyright IBM Corp. 2013, 2025
// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"
)

// ChecksumTypes lists the digests a published checksum file may carry.
var ChecksumTypes = []string{"md5", "sha256"}

func newHash(kind string) (hash.Hash, error) {
	switch strings.ToLower(kind) {
	case "md5":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum type %q, expected one of %v", kind, ChecksumTypes)
	}
}

// FileDigest returns the hex digest of the file at p.
func FileDigest(p, kind string) (string, error) {
	h, err := newHash(kind)
	if err != nil {
		return "", err
	}

	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseChecksum extracts the digest for name from a coreutils style checksum
// file ("<digest>  <name>" per line, optionally "*<name>" for binary mode).
// A file holding a single bare digest is accepted as well.
func ParseChecksum(body []byte, name string) (string, error) {
	var only string
	lines := 0

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines++

		fields := strings.Fields(line)
		if len(fields) == 1 {
			only = fields[0]
			continue
		}
		file := strings.TrimPrefix(fields[1], "*")
		if file == name || path.Base(file) == name {
			return strings.ToLower(fields[0]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	if lines == 1 && only != "" {
		return strings.ToLower(only), nil
	}
	return "", fmt.Errorf("no checksum for %q found", name)
}
