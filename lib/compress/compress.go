// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress provides tagged compression for Caravel's durable
// and wire formats: spool files at rest, shipper envelope artifacts,
// and HTTP request bodies. All three algorithms produce self-framing
// streams, so decompression needs only the tag, not the original
// size.
//
// Gzip is the interoperable default (HTTP Content-Encoding, .json.gz
// artifacts readable by standard tooling). Zstd gives better ratios
// on JSON event text for spool files at rest. LZ4 trades ratio for
// throughput on links where CPU, not bandwidth, is the bottleneck.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies a compression algorithm. Tags appear in spool
// filenames and envelope metadata; the values are format constants.
type Tag uint8

const (
	// None stores data uncompressed.
	None Tag = 0

	// Gzip is RFC 1952 gzip. Used for HTTP bodies and file-transport
	// artifacts because any consumer can read it.
	Gzip Tag = 1

	// Zstd is zstandard at the default level (~3-5x on JSON logs).
	Zstd Tag = 2

	// LZ4 is the LZ4 frame format. Fastest decode, modest ratio.
	LZ4 Tag = 3
)

// String returns the tag's name.
func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Ext returns the filename extension for the tag, empty for None.
func (t Tag) Ext() string {
	switch t {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case LZ4:
		return ".lz4"
	default:
		return ""
	}
}

// ParseTag parses a tag from its string name.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none", "":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return 0, fmt.Errorf("compress: unknown tag %q", name)
	}
}

// zstd encoder/decoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress encodes data with the algorithm named by tag. For None the
// input is returned unchanged (no copy).
func Compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case Gzip:
		var buffer bytes.Buffer
		writer := gzip.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buffer.Bytes(), nil
	case Zstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case LZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buffer.Bytes(), nil
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}

// Decompress decodes data that was compressed with tag.
func Decompress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case Gzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer reader.Close()
		result, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return result, nil
	case Zstd:
		result, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return result, nil
	case LZ4:
		result, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}
