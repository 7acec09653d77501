// File: protocol/packer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import "fmt"

// Packer serializes signals into a destination word buffer. A single
// Packer is reused across many Pack calls by one sender goroutine; it
// holds no per-message state.
type Packer struct {
	// SignalIDUsed controls whether the optional signal-id word is
	// emitted for every packed message.
	SignalIDUsed bool
	// ChecksumUsed controls whether a trailing XOR checksum word is
	// appended.
	ChecksumUsed bool
	// ByteOrder is written verbatim into word 1; receivers compare it
	// against their own to detect cross-endian peers.
	ByteOrder byte
}

// Pack serializes header, data, and sections into dst starting at
// offset 0, returning the number of words written. dst must be at least
// as large as the final message; callers typically size it via
// WordsNeeded first or allocate MaxMessageSizeWords.
func (p *Packer) Pack(dst []uint32, header SignalHeader, data []uint32, sections []Section) (uint32, error) {
	if len(data) > MaxInlineDataWords {
		return 0, fmt.Errorf("protocol: inline data length %d exceeds max %d", len(data), MaxInlineDataWords)
	}
	if len(sections) > MaxSections {
		return 0, fmt.Errorf("protocol: section count %d exceeds max %d", len(sections), MaxSections)
	}

	sectionWords := 0
	for _, s := range sections {
		sectionWords += s.Source.Len()
	}

	sigIDWords := 0
	if p.SignalIDUsed {
		sigIDWords = 1
	}
	checksumWords := 0
	if p.ChecksumUsed {
		checksumWords = 1
	}

	total := 3 + sigIDWords + len(data) + len(sections) + sectionWords + checksumWords
	if total > MaxMessageSizeWords {
		return 0, fmt.Errorf("protocol: message of %d words exceeds max %d", total, MaxMessageSizeWords)
	}
	if total > len(dst) {
		return 0, fmt.Errorf("protocol: destination buffer too small: need %d words, have %d", total, len(dst))
	}
	if total > 0xFFFF {
		return 0, fmt.Errorf("protocol: message of %d words exceeds 16-bit total-length field", total)
	}

	checksumStart := 0
	idx := 3
	if p.SignalIDUsed {
		dst[idx] = header.SignalID
		idx++
	}
	copy(dst[idx:], data)
	idx += len(data)

	for _, s := range sections {
		dst[idx] = uint32(s.Source.Len())
		idx++
	}
	for _, s := range sections {
		n := s.Source.Len()
		s.Source.WriteTo(dst[idx : idx+n])
		idx += n
	}

	checksumEnd := idx

	senderBlock := uint16(header.BlockSenderRef & 0xFFFF)
	dst[2] = encodeWord3(senderBlock, header.BlockReceiverRef)
	dst[1] = encodeWord2(header.GSN, negotiatedVersionID, header.Trace, uint8(len(sections)))
	dst[0] = encodeWord1(p.ByteOrder, 0, p.SignalIDUsed, p.ChecksumUsed, header.Priority, uint16(total), uint8(len(data)))

	if p.ChecksumUsed {
		dst[idx] = xorChecksum(dst[checksumStart:checksumEnd])
		idx++
	}

	return uint32(idx), nil
}

// WordsNeeded reports the total wire length, in words, that Pack would
// require for the given data/section shape, without writing anything.
// Callers use it to size a destination buffer or to check SendBuffer
// free space before committing to Pack.
func (p *Packer) WordsNeeded(dataLen int, sections []Section) int {
	sectionWords := 0
	for _, s := range sections {
		sectionWords += s.Source.Len()
	}
	sigIDWords := 0
	if p.SignalIDUsed {
		sigIDWords = 1
	}
	checksumWords := 0
	if p.ChecksumUsed {
		checksumWords = 1
	}
	return 3 + sigIDWords + dataLen + len(sections) + sectionWords + checksumWords
}
