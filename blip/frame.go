package blip

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire format. Each websocket binary message carries one frame:
//
//	varint(messageNumber) byte(flags) payload
//
// The first frame of a message prefixes the payload with
// varint(len(properties)) and the properties block, NUL-separated
// name/value pairs. Messages larger than the frame size limit are split
// across frames with the moreComing flag set; frames of distinct messages
// may interleave on the wire.

type frameType byte

const (
	frameTypeRequest  frameType = 0
	frameTypeResponse frameType = 1
	frameTypeError    frameType = 2
)

const (
	frameFlagTypeMask   byte = 0x03
	frameFlagMoreComing byte = 0x04
	frameFlagNoReply    byte = 0x08
)

type frame struct {
	number     uint64
	frameType  frameType
	moreComing bool
	noReply    bool
	payload    []byte
}

func (self *frame) flags() byte {
	flags := byte(self.frameType) & frameFlagTypeMask
	if self.moreComing {
		flags |= frameFlagMoreComing
	}
	if self.noReply {
		flags |= frameFlagNoReply
	}
	return flags
}

func encodeFrame(f *frame) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+1+len(f.payload))
	out = binary.AppendUvarint(out, f.number)
	out = append(out, f.flags())
	out = append(out, f.payload...)
	return out
}

func decodeFrame(data []byte) (*frame, error) {
	number, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("frame: bad message number")
	}
	if len(data) < n+1 {
		return nil, fmt.Errorf("frame: truncated header")
	}
	flags := data[n]
	return &frame{
		number:     number,
		frameType:  frameType(flags & frameFlagTypeMask),
		moreComing: flags&frameFlagMoreComing != 0,
		noReply:    flags&frameFlagNoReply != 0,
		payload:    data[n+1:],
	}, nil
}

func encodeProperties(properties map[string]string, orderedNames []string) []byte {
	var block bytes.Buffer
	for _, name := range orderedNames {
		block.WriteString(name)
		block.WriteByte(0)
		block.WriteString(properties[name])
		block.WriteByte(0)
	}
	out := make([]byte, 0, binary.MaxVarintLen64+block.Len())
	out = binary.AppendUvarint(out, uint64(block.Len()))
	return append(out, block.Bytes()...)
}

// decodeProperties consumes the properties prefix of a message payload and
// returns the properties and the remaining body.
func decodeProperties(payload []byte) (map[string]string, []byte, error) {
	blockLen, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, nil, fmt.Errorf("frame: bad properties length")
	}
	if uint64(len(payload)-n) < blockLen {
		return nil, nil, fmt.Errorf("frame: truncated properties")
	}
	block := payload[n : n+int(blockLen)]
	body := payload[n+int(blockLen):]

	properties := map[string]string{}
	for len(block) > 0 {
		nameEnd := bytes.IndexByte(block, 0)
		if nameEnd < 0 {
			return nil, nil, fmt.Errorf("frame: unterminated property name")
		}
		valueEnd := bytes.IndexByte(block[nameEnd+1:], 0)
		if valueEnd < 0 {
			return nil, nil, fmt.Errorf("frame: unterminated property value")
		}
		properties[string(block[:nameEnd])] = string(block[nameEnd+1 : nameEnd+1+valueEnd])
		block = block[nameEnd+1+valueEnd+1:]
	}
	return properties, body, nil
}
