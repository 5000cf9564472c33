// Copyright 2026 The Nodemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec owns the byte-level formats shared by every node: the
// CBOR encoding modes and the frame that carries one encoded message
// on the wire.
//
// Message bodies are CBOR with Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, shortest integer forms, and no
// indefinite-length items. The same logical message always produces
// the same bytes, which is what lets a node re-encode a decoded
// message and compare it byte for byte with what arrived.
//
// Each body travels inside a frame:
//
//	offset  size  field
//	0       1     format version (FrameVersion)
//	1       1     compression tag (none, lz4, zstd)
//	2       4     uncompressed body length, big endian
//	6       4     stored body length, big endian
//	10      n     stored body
//
// The stored length makes a frame self-delimiting, so the same bytes
// work as a UDP datagram and as one element of a TCP byte stream.
// Compression is applied only above a size threshold and only when it
// actually shrinks the body; otherwise the frame is tagged none.
package codec
