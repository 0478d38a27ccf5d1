// Package framer encodes and decodes the on-flash record frame. It is
// stateless: every function takes its inputs and writes to or reads
// from caller-owned buffers.
package framer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Field sizes and offsets. Fields are big-endian; this is the one byte
// order this module uses for record frames, matching the wire
// conventions the host database already uses elsewhere, and it must
// never change without a format-version bump.
const (
	segmentIDSize  = 8
	sizeFieldSize  = 4
	headerCRCSize  = 8
	payloadCRCSize = 8

	segmentIDOffset = 0
	sizeOffset      = segmentIDOffset + segmentIDSize
	headerCRCOffset = sizeOffset + sizeFieldSize
	payloadOffset   = headerCRCOffset + headerCRCSize

	// HeaderSize is the number of bytes checksummed by the header CRC:
	// segment_id (8) + serialized_size (4).
	HeaderSize = segmentIDOffset + segmentIDSize + sizeFieldSize

	// FrameOverhead is the fixed non-payload byte cost of a frame:
	// segment_id + serialized_size + header_checksum + payload_checksum.
	FrameOverhead = segmentIDSize + sizeFieldSize + headerCRCSize + payloadCRCSize

	// MinSerializedSize is the smallest legal serialized_size value: a
	// serialized_size below this can never be a real frame, regardless
	// of payload size, and is rejected as Corrupt("size") before either
	// checksum is even consulted.
	MinSerializedSize = 38

	// MinPayloadSize is the smallest payload Encode accepts. Anything
	// shorter would produce a serialized_size below MinSerializedSize,
	// a frame Decode could never return as Valid.
	MinPayloadSize = MinSerializedSize - FrameOverhead
)

// ErrRecordTooLarge is returned by Encode when the frame would need more
// blocks than the caller's limits allow.
var ErrRecordTooLarge = errors.New("framer: record too large for segment or buffer")

// ErrRecordTooSmall is returned by Encode when the payload is too short
// to form a legal frame.
var ErrRecordTooSmall = errors.New("framer: payload below minimum record size")

// BlocksNeeded returns the number of whole blocks a payload of payloadSize
// bytes will occupy once framed, for the given block size.
func BlocksNeeded(payloadSize, blockSize int) uint32 {
	serialized := FrameOverhead + payloadSize
	return uint32((serialized + blockSize - 1) / blockSize)
}

// Encode writes the framed record for payload, owned by segmentID, into
// out (which must be at least BlocksNeeded(len(payload), blockSize) *
// blockSize bytes), zero-padding the remainder of the last block. It
// returns the number of blocks written. maxBlocks bounds both the
// per-segment cap and the per-worker staging-buffer cap; Encode fails
// with ErrRecordTooLarge if the frame would exceed it, and with
// ErrRecordTooSmall below MinPayloadSize, so any frame Encode accepts
// always decodes as Valid.
func Encode(segmentID uint64, payload []byte, blockSize int, maxBlocks uint32, out []byte) (uint32, error) {
	if len(payload) < MinPayloadSize {
		return 0, fmt.Errorf("%w: payload %d bytes, minimum is %d", ErrRecordTooSmall, len(payload), MinPayloadSize)
	}
	serializedSize := FrameOverhead + len(payload)
	blockCount := uint32((serializedSize + blockSize - 1) / blockSize)
	if blockCount > maxBlocks {
		return 0, fmt.Errorf("%w: payload %d bytes needs %d blocks, limit is %d", ErrRecordTooLarge, len(payload), blockCount, maxBlocks)
	}

	totalSize := int(blockCount) * blockSize
	if len(out) < totalSize {
		return 0, fmt.Errorf("framer: staging buffer too small: have %d, need %d", len(out), totalSize)
	}

	frame := out[:totalSize]
	for i := range frame {
		frame[i] = 0
	}

	binary.BigEndian.PutUint64(frame[segmentIDOffset:], segmentID)
	binary.BigEndian.PutUint32(frame[sizeOffset:], uint32(serializedSize))

	headerCRC := crc32.ChecksumIEEE(frame[:HeaderSize])
	binary.BigEndian.PutUint64(frame[headerCRCOffset:], uint64(headerCRC))

	copy(frame[payloadOffset:], payload)

	payloadCRC := crc32.ChecksumIEEE(payload)
	trailerOffset := payloadOffset + len(payload)
	binary.BigEndian.PutUint64(frame[trailerOffset:], uint64(payloadCRC))

	return blockCount, nil
}

// Status reports the outcome of Decode.
type Status int

const (
	// Valid means the frame decoded cleanly; Payload and BlockCount are set.
	Valid Status = iota
	// EndOfRecords means the segment_id at this position did not match
	// expectedSegmentID: a clean, uninitialized tail, not corruption.
	EndOfRecords
	// Corrupt means the frame's length or checksums failed validation.
	// Reason explains which check failed.
	Corrupt
)

// Result is the outcome of decoding one frame.
type Result struct {
	Status     Status
	Payload    []byte // only set when Status == Valid; aliases buf
	BlockCount uint32 // only set when Status == Valid
	Reason     string // only set when Status == Corrupt
}

// Decode reads one frame starting at buf[0]. The length is read,
// sanity-bounded against buf, and the header CRC is verified before the
// payload is sliced out, so a damaged length field is detected before
// it is ever used to index into the buffer.
func Decode(buf []byte, expectedSegmentID uint64, blockSize int) Result {
	if len(buf) < HeaderSize+headerCRCSize {
		return Result{Status: Corrupt, Reason: "short-header"}
	}

	segmentID := binary.BigEndian.Uint64(buf[segmentIDOffset:])
	if segmentID != expectedSegmentID {
		return Result{Status: EndOfRecords}
	}

	serializedSize := binary.BigEndian.Uint32(buf[sizeOffset:])
	if serializedSize < MinSerializedSize {
		return Result{Status: Corrupt, Reason: "size"}
	}

	headerCRC := binary.BigEndian.Uint64(buf[headerCRCOffset:])
	if uint64(crc32.ChecksumIEEE(buf[:HeaderSize])) != headerCRC {
		return Result{Status: Corrupt, Reason: "header-crc"}
	}

	payloadSize := int(serializedSize) - FrameOverhead
	trailerOffset := payloadOffset + payloadSize
	if trailerOffset+payloadCRCSize > len(buf) {
		return Result{Status: Corrupt, Reason: "short-payload"}
	}

	payload := buf[payloadOffset:trailerOffset]
	payloadCRC := binary.BigEndian.Uint64(buf[trailerOffset:])
	if uint64(crc32.ChecksumIEEE(payload)) != payloadCRC {
		return Result{Status: Corrupt, Reason: "payload-crc"}
	}

	blockCount := uint32((int(serializedSize) + blockSize - 1) / blockSize)
	return Result{Status: Valid, Payload: payload, BlockCount: blockCount}
}
