package main

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// feed runs a full byte stream through a ChunkReader, a chunk at a time,
// and returns every completed packet in arrival order.
func feed(t *testing.T, cr *ChunkReader, raw []byte) []*RTMPPacket {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(raw))
	var out []*RTMPPacket
	for {
		result, err := cr.ReadNext(r)
		if err != nil {
			break
		}
		if result.Packet != nil {
			out = append(out, result.Packet)
		}
	}
	return out
}

func TestChunkReaderSingleChunkMessage(t *testing.T) {
	packet := createBlankRTMPPacket()
	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_AUDIO
	packet.header.packet_type = RTMP_TYPE_AUDIO
	packet.header.timestamp = 10
	packet.header.stream_id = 1
	packet.payload = []byte{0xaf, 0x01, 0x02, 0x03}
	packet.header.length = uint32(len(packet.payload))

	raw := packet.CreateChunks(RTMP_CHUNK_SIZE)

	cr := NewChunkReader()
	packets := feed(t, cr, raw)

	require.Len(t, packets, 1)
	require.Equal(t, packet.payload, packets[0].payload)
	require.Equal(t, uint32(RTMP_TYPE_AUDIO), packets[0].header.packet_type)
	require.EqualValues(t, 10, packets[0].clock)
}

func TestChunkReaderSplitsAcrossChunkBoundary(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 300)

	packet := createBlankRTMPPacket()
	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_VIDEO
	packet.header.packet_type = RTMP_TYPE_VIDEO
	packet.header.timestamp = 5
	packet.payload = payload
	packet.header.length = uint32(len(payload))

	// outChunkSize smaller than the payload forces multiple fmt-3
	// continuation chunks.
	raw := packet.CreateChunks(128)

	cr := NewChunkReader()
	packets := feed(t, cr, raw)

	require.Len(t, packets, 1)
	require.Equal(t, payload, packets[0].payload)
}

func TestChunkReaderExtendedTimestamp(t *testing.T) {
	packet := createBlankRTMPPacket()
	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_VIDEO
	packet.header.packet_type = RTMP_TYPE_VIDEO
	packet.header.timestamp = 0x01000000 // beyond the 3-byte field, forces extended timestamp
	packet.payload = []byte{0x17, 0x01}
	packet.header.length = uint32(len(packet.payload))

	raw := packet.CreateChunks(RTMP_CHUNK_SIZE)

	cr := NewChunkReader()
	packets := feed(t, cr, raw)

	require.Len(t, packets, 1)
	require.EqualValues(t, 0x01000000, packets[0].clock)
}

func TestChunkReaderFmt3WithoutPriorHeaderFails(t *testing.T) {
	cr := NewChunkReader()
	// A lone fmt-3 basic header (cid 5) with nothing registered yet.
	raw := []byte{byte(RTMP_CHUNK_TYPE_3<<6) | 5}
	r := bufio.NewReader(bytes.NewReader(raw))
	_, err := cr.ReadNext(r)
	require.Error(t, err)
}

func TestChunkReaderWideCSIDRoundTrips(t *testing.T) {
	// cid >= 64+255 forces the 3-byte basic header (csid field == 1) on
	// both the encode and decode side.
	packet := createBlankRTMPPacket()
	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = 400
	packet.header.packet_type = RTMP_TYPE_VIDEO
	packet.header.timestamp = 1
	packet.payload = []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	packet.header.length = uint32(len(packet.payload))

	raw := packet.CreateChunks(RTMP_CHUNK_SIZE)

	cr := NewChunkReader()
	packets := feed(t, cr, raw)

	require.Len(t, packets, 1)
	require.Equal(t, packet.payload, packets[0].payload)
	require.EqualValues(t, 400, packets[0].header.cid)
}

func TestChunkReaderHonorsSetChunkSize(t *testing.T) {
	payload := bytes.Repeat([]byte{0x07}, 50)

	packet := createBlankRTMPPacket()
	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_DATA
	packet.header.packet_type = RTMP_TYPE_DATA
	packet.payload = payload
	packet.header.length = uint32(len(payload))

	raw := packet.CreateChunks(32)

	cr := NewChunkReader()
	cr.SetChunkSize(32)
	packets := feed(t, cr, raw)

	require.Len(t, packets, 1)
	require.Equal(t, payload, packets[0].payload)
}
