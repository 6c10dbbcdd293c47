// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package contenthash

import "testing"

func TestHashDeterministic(t *testing.T) {
	first := Idempotency([]byte("same input"))
	second := Idempotency([]byte("same input"))
	if first != second {
		t.Fatal("same input produced different digests")
	}
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("identical bytes")
	if Idempotency(data) == DeadLetter(data) {
		t.Fatal("idempotency and dead-letter domains collide")
	}
	if Idempotency(data) == Redaction(data) {
		t.Fatal("idempotency and redaction domains collide")
	}
}

func TestHexAndShort(t *testing.T) {
	digest := Idempotency([]byte("x"))
	if len(digest.Hex()) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(digest.Hex()))
	}
	if len(digest.Short()) != 12 {
		t.Fatalf("expected 12 short chars, got %d", len(digest.Short()))
	}
	if digest.Hex()[:12] != digest.Short() {
		t.Fatal("Short is not a prefix of Hex")
	}
}

func TestDifferentInputsDiffer(t *testing.T) {
	if Idempotency([]byte("a")) == Idempotency([]byte("b")) {
		t.Fatal("different inputs produced the same digest")
	}
}
