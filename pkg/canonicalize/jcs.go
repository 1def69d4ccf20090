// Package canonicalize produces RFC 8785 canonical JSON, the byte form that
// causal chain actions and capability manifests are hashed over.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Marshal encodes v as canonical JSON. Strings are put in Unicode NFC first,
// so a goal typed with combining accents hashes like its precomposed form.
func Marshal(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := jcs.Transform(norm.NFC.Bytes(plain))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Digest is the "sha256:<hex>" digest of Marshal(v).
func Digest(v any) (string, error) {
	doc, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(doc)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
