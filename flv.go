// FLV Tag

package main

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

func createFlvTag(packet RTMPPacket) []byte {
	PreviousTagSize := 11 + packet.header.length
	b := make([]byte, PreviousTagSize+4)

	b[0] = byte(packet.header.packet_type)

	aux := make([]byte, 4)
	binary.BigEndian.PutUint32(aux, packet.header.length)
	b[1] = aux[1]
	b[2] = aux[2]
	b[3] = aux[3]

	b[4] = byte(packet.header.timestamp>>16) & 0xff
	b[5] = byte(packet.header.timestamp>>8) & 0xff
	b[6] = byte(packet.header.timestamp) & 0xff
	b[7] = byte(packet.header.timestamp>>24) & 0xff

	b[8] = 0
	b[9] = 0
	b[10] = 0

	aux2 := make([]byte, 4)
	binary.BigEndian.PutUint32(aux2, PreviousTagSize)

	b[PreviousTagSize] = aux2[0]
	b[PreviousTagSize+1] = aux2[1]
	b[PreviousTagSize+2] = aux2[2]
	b[PreviousTagSize+3] = aux2[3]

	for i := uint32(0); i < packet.header.length; i++ {
		b[11+i] = packet.payload[i]
	}

	return b
}

var ErrMalformedAggregate = errors.New("rtmp: malformed aggregate tag")

// splitAggregateTag unpacks a type-22 aggregate message into its constituent
// audio/video/data sub-tags. Each sub-tag is itself an FLV tag (11-byte
// header, payload, 4-byte previous-tag-size trailer); its timestamp is
// absolute within the aggregate, not relative to the outer packet, so the
// caller dispatches each sub-packet exactly as if it had arrived on its own
// chunk stream.
func splitAggregateTag(payload []byte) ([]RTMPPacket, error) {
	packets := make([]RTMPPacket, 0)

	p := payload
	for len(p) >= 11 {
		tagType := uint32(p[0])
		dataSize := (uint32(p[1]) << 16) | (uint32(p[2]) << 8) | uint32(p[3])
		timestamp := int64((uint32(p[4]) << 16) | (uint32(p[5]) << 8) | uint32(p[6]) | (uint32(p[7]) << 24))

		p = p[11:]

		if uint32(len(p)) < dataSize+4 {
			return packets, errors.Wrapf(ErrMalformedAggregate, "sub-tag declares %d bytes, %d remain", dataSize, len(p))
		}

		sub := createBlankRTMPPacket()
		sub.header.packet_type = tagType
		sub.header.timestamp = timestamp
		sub.header.length = dataSize
		sub.payload = make([]byte, dataSize)
		copy(sub.payload, p[:dataSize])
		sub.bytes = dataSize
		sub.handled = true

		packets = append(packets, sub)

		p = p[dataSize+4:]
	}

	return packets, nil
}
