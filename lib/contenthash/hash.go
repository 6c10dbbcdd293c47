// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package contenthash computes BLAKE3 content fingerprints. Every
// content-derived identifier in Caravel — batch idempotency keys,
// dead-letter message hashes, spool entry fingerprints — goes through
// this package so all hashes share one algorithm and one hex form.
//
// Keyed hashing provides domain separation: the same bytes hashed in
// the idempotency domain and the dead-letter domain produce unrelated
// digests, so keys from one subsystem can never be confused for
// another's.
package contenthash

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Short returns the first 12 hex characters, used in filenames and
// log lines where the full digest is noise.
func (h Hash) Short() string { return h.Hex()[:12] }

// Domain separation keys: ASCII domain names zero-padded to the
// 32 bytes BLAKE3 keyed mode requires. These are protocol constants;
// changing them invalidates every stored hash in that domain.
var (
	idempotencyKey = domainKey("caravel.idempotency")
	deadLetterKey  = domainKey("caravel.deadletter")
	redactionKey   = domainKey("caravel.redaction")
)

func domainKey(name string) [32]byte {
	var key [32]byte
	copy(key[:], name)
	return key
}

// Idempotency hashes data in the batch-idempotency domain.
func Idempotency(data []byte) Hash {
	return keyedHash(idempotencyKey, data)
}

// DeadLetter hashes data in the dead-letter domain; stored as
// message_hash in dead-letter files.
func DeadLetter(data []byte) Hash {
	return keyedHash(deadLetterKey, data)
}

// Redaction hashes data in the redaction domain, used when the
// redactor is configured to hash sensitive values instead of masking
// them so operators can still correlate occurrences.
func Redaction(data []byte) Hash {
	return keyedHash(redactionKey, data)
}

func keyedHash(key [32]byte, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed fails only on wrong key length; ours is fixed.
		panic("contenthash: " + err.Error())
	}
	hasher.Write(data)
	var digest Hash
	hasher.Digest().Read(digest[:])
	return digest
}
