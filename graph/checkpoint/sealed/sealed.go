//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package sealed implements an authenticated-encryption blob codec for
// checkpoint savers. Stored blobs are AES-256-GCM ciphertext prefixed with a
// one-byte key version, so deployments can rotate keys while retired keys
// still decrypt existing checkpoints.
package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/valuegraph/valuegraph/graph"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// ErrKeyVersionUnknown is returned when a blob was sealed with a key the
// codec no longer holds.
var ErrKeyVersionUnknown = errors.New("sealed blob uses an unknown key version")

// Codec encrypts blobs with the current key and decrypts with any held key.
type Codec struct {
	current byte
	gcms    map[byte]cipher.AEAD
}

var _ graph.BlobCodec = (*Codec)(nil)

// NewCodec builds a codec. The current key seals new blobs; retired keys
// only open. Key versions are assigned by position: retired keys get
// versions 0..n-1 in order, the current key gets version n.
func NewCodec(current []byte, retired ...[]byte) (*Codec, error) {
	codec := &Codec{gcms: make(map[byte]cipher.AEAD, len(retired)+1)}
	for i, key := range retired {
		gcm, err := newGCM(key)
		if err != nil {
			return nil, fmt.Errorf("retired key %d: %w", i, err)
		}
		codec.gcms[byte(i)] = gcm
	}
	gcm, err := newGCM(current)
	if err != nil {
		return nil, fmt.Errorf("current key: %w", err)
	}
	codec.current = byte(len(retired))
	codec.gcms[codec.current] = gcm
	return codec, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plain with the current key. The output layout is
// version byte, nonce, ciphertext.
func (c *Codec) Seal(plain []byte) ([]byte, error) {
	gcm := c.gcms[c.current]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, c.current)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

// Open decrypts a sealed blob with the key its version byte names.
func (c *Codec) Open(stored []byte) ([]byte, error) {
	if len(stored) < 1 {
		return nil, errors.New("sealed blob is empty")
	}
	gcm, ok := c.gcms[stored[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrKeyVersionUnknown, stored[0])
	}
	rest := stored[1:]
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("sealed blob is truncated")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed blob: %w", err)
	}
	return plain, nil
}
