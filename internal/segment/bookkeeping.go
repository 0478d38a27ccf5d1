package segment

import "encoding/binary"

// encodeBookkeepingBlock writes the 8-byte little-endian segment id
// followed by zero padding into a buffer of exactly blockSize bytes.
// This is the one place the format uses little-endian; record frames
// use big-endian and the two must never be confused.
func encodeBookkeepingBlock(segmentID uint64, blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint64(buf, segmentID)
	return buf
}

// decodeBookkeepingBlock reads the segment id out of a bookkeeping block.
// Zero means the slot is free or committed.
func decodeBookkeepingBlock(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[:8])
}
