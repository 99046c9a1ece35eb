// Package keyblock splits OpenPGP keyrings into keyblocks and extracts the
// searchable fields of each block.
package keyblock

import (
	"errors"
	"fmt"
)

// OpenPGP packet tags that may appear in a keyblock.
const (
	TagSignature    = 2
	TagSecretKey    = 5
	TagPublicKey    = 6
	TagSecretSubkey = 7
	TagCompressed   = 8
	TagMarker       = 10
	TagRingTrust    = 12
	TagUserID       = 13
	TagPublicSubkey = 14
	TagOldComment   = 16
	TagAttribute    = 17
	TagComment      = 61
	TagGPGControl   = 63
)

var (
	// ErrInvalidPacket means the packet header is malformed or the declared
	// length runs past the end of the buffer.
	ErrInvalidPacket = errors.New("invalid packet")
	// ErrUnexpectedPacket means the packet is well formed but not allowed
	// inside a keyblock.
	ErrUnexpectedPacket = errors.New("unexpected packet in keyblock")
	ErrNoData           = errors.New("no data")
)

// Packet is one framed packet. Raw covers header and body.
type Packet struct {
	Tag  int
	Body []byte
	Raw  []byte
}

// NextPacket frames the packet at the start of buf and returns it with the
// remaining bytes. Partial and indeterminate lengths are rejected since they
// never occur in keyblocks.
func NextPacket(buf []byte) (Packet, []byte, error) {
	if len(buf) == 0 {
		return Packet{}, nil, ErrNoData
	}
	ctb := buf[0]
	pos := 1
	if ctb&0x80 == 0 {
		return Packet{}, nil, fmt.Errorf("%w: bad ctb 0x%02x", ErrInvalidPacket, ctb)
	}

	var tag int
	var length uint64
	if ctb&0x40 != 0 {
		tag = int(ctb & 0x3f)
		if pos >= len(buf) {
			return Packet{}, nil, fmt.Errorf("%w: missing length", ErrInvalidPacket)
		}
		c := buf[pos]
		pos++
		if tag == TagCompressed {
			return Packet{}, nil, fmt.Errorf("%w: compressed packet", ErrUnexpectedPacket)
		}
		switch {
		case c < 192:
			length = uint64(c)
		case c < 224:
			if pos >= len(buf) {
				return Packet{}, nil, fmt.Errorf("%w: missing second length byte", ErrInvalidPacket)
			}
			length = uint64(c-192)<<8 + uint64(buf[pos]) + 192
			pos++
		case c == 255:
			if pos+4 > len(buf) {
				return Packet{}, nil, fmt.Errorf("%w: missing length bytes", ErrInvalidPacket)
			}
			length = uint64(buf[pos])<<24 | uint64(buf[pos+1])<<16 | uint64(buf[pos+2])<<8 | uint64(buf[pos+3])
			pos += 4
		default:
			return Packet{}, nil, fmt.Errorf("%w: partial length", ErrUnexpectedPacket)
		}
	} else {
		tag = int(ctb>>2) & 0x0f
		var lenBytes int
		switch ctb & 3 {
		case 0:
			lenBytes = 1
		case 1:
			lenBytes = 2
		case 2:
			lenBytes = 4
		default:
			return Packet{}, nil, fmt.Errorf("%w: indeterminate length", ErrUnexpectedPacket)
		}
		if pos+lenBytes > len(buf) {
			return Packet{}, nil, fmt.Errorf("%w: missing length bytes", ErrInvalidPacket)
		}
		for i := 0; i < lenBytes; i++ {
			length = length<<8 | uint64(buf[pos])
			pos++
		}
	}

	switch tag {
	case TagSignature, TagSecretKey, TagPublicKey, TagSecretSubkey, TagMarker,
		TagRingTrust, TagUserID, TagPublicSubkey, TagOldComment, TagAttribute,
		TagComment, TagGPGControl:
	default:
		return Packet{}, nil, fmt.Errorf("%w: tag %d", ErrUnexpectedPacket, tag)
	}

	if length > uint64(len(buf)-pos) {
		return Packet{}, nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrInvalidPacket, length, len(buf)-pos)
	}
	end := pos + int(length)
	return Packet{Tag: tag, Body: buf[pos:end], Raw: buf[:end]}, buf[end:], nil
}

// Split cuts a binary keyring into keyblocks. Each block starts at a public
// or secret key packet and runs to the next one. Packets before the first
// key are dropped. A framing error truncates the stream: the block being
// assembled is discarded and counted in skipped.
func Split(data []byte) (blocks [][]byte, skipped int) {
	start := -1
	offset := 0
	rest := data
	for len(rest) > 0 {
		pkt, next, err := NextPacket(rest)
		if err != nil {
			skipped++
			return blocks, skipped
		}
		if pkt.Tag == TagPublicKey || pkt.Tag == TagSecretKey {
			if start >= 0 {
				blocks = append(blocks, data[start:offset])
			}
			start = offset
		}
		offset += len(pkt.Raw)
		rest = next
	}
	if start >= 0 {
		blocks = append(blocks, data[start:offset])
	}
	return blocks, skipped
}
