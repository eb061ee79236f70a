// Chunk-stream reassembler: turns a byte stream of RTMP basic/message
// headers and chunked payloads into completed messages. Extracted from the
// inlined per-session read loop so the header/fmt state machine can be
// exercised without a socket.

package main

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

var ErrChunkProtocolError = errors.New("rtmp: chunk protocol error")

// ChunkReader holds one ChunkReader per session, tracking per-CSID packet
// state across an unbounded number of chunks.
type ChunkReader struct {
	inChunkSize uint32
	packets     map[uint32]*RTMPPacket
}

func NewChunkReader() *ChunkReader {
	return &ChunkReader{
		inChunkSize: RTMP_CHUNK_SIZE,
		packets:     make(map[uint32]*RTMPPacket),
	}
}

func (cr *ChunkReader) SetChunkSize(size uint32) {
	cr.inChunkSize = size
}

// ReadResult is what ReadNext returns once a chunk has been consumed: either
// a completed message (Packet != nil) or just progress with nothing to
// handle yet (a continuation chunk of a still-partial message).
type ReadResult struct {
	Packet        *RTMPPacket
	BytesConsumed uint32
}

// ReadNext consumes exactly one chunk (basic header + message header +
// payload slice) from r and reports how many bytes it read, plus a
// completed packet if this chunk finished one. r must support ReadByte (a
// *bufio.Reader satisfies this).
func (cr *ChunkReader) ReadNext(r interface {
	io.Reader
	ReadByte() (byte, error)
}) (ReadResult, error) {
	var bytesRead uint32

	startByte, err := r.ReadByte()
	if err != nil {
		return ReadResult{}, err
	}
	bytesRead++

	header := []byte{startByte}

	var basicBytes int
	switch startByte & 0x3f {
	case 0:
		basicBytes = 2
	case 1:
		basicBytes = 3
	default:
		basicBytes = 1
	}

	for i := 1; i < basicBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return ReadResult{}, err
		}
		bytesRead++
		header = append(header, b)
	}

	fmtVal := uint32(header[0] >> 6)
	var cid uint32
	switch basicBytes {
	case 2:
		cid = 64 + uint32(header[1])
	case 3:
		cid = 64 + uint32(header[1]) + (uint32(header[2]) << 8)
	default:
		cid = uint32(header[0] & 0x3f)
	}

	headerSize := int(rtmpHeaderSize[fmtVal])
	if headerSize > 0 {
		rest := make([]byte, headerSize)
		if _, err := io.ReadFull(r, rest); err != nil {
			return ReadResult{}, err
		}
		bytesRead += uint32(headerSize)
		header = append(header, rest...)
	}

	packet := cr.packets[cid]
	if packet == nil {
		if fmtVal == RTMP_CHUNK_TYPE_3 {
			return ReadResult{}, errors.Wrapf(ErrChunkProtocolError, "fmt3 chunk with no prior header on csid %d", cid)
		}
		bp := createBlankRTMPPacket()
		packet = &bp
		cr.packets[cid] = packet
	} else if packet.handled {
		packet.handled = false
		packet.payload = make([]byte, 0)
		packet.bytes = 0
	}

	packet.header.cid = cid
	packet.header.fmt = fmtVal

	offset := basicBytes

	if packet.header.fmt <= RTMP_CHUNK_TYPE_2 {
		packet.header.timestamp = int64(uint32(header[offset+2]) | (uint32(header[offset+1]) << 8) | (uint32(header[offset]) << 16))
		offset += 3
	}

	if packet.header.fmt <= RTMP_CHUNK_TYPE_1 {
		packet.header.length = uint32(header[offset+2]) | (uint32(header[offset+1]) << 8) | (uint32(header[offset]) << 16)
		packet.header.packet_type = uint32(header[offset+3])
		offset += 4
	}

	if packet.header.fmt == RTMP_CHUNK_TYPE_0 {
		packet.header.stream_id = binary.LittleEndian.Uint32(header[offset : offset+4])
	}

	if packet.header.packet_type > RTMP_TYPE_METADATA {
		return ReadResult{}, errors.Wrapf(ErrChunkProtocolError, "invalid packet type %d", packet.header.packet_type)
	}

	var extendedTimestamp int64
	if packet.header.timestamp == 0xffffff {
		tsBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, tsBytes); err != nil {
			return ReadResult{}, err
		}
		bytesRead += 4
		extendedTimestamp = int64(binary.BigEndian.Uint32(tsBytes))
	} else {
		extendedTimestamp = packet.header.timestamp
	}

	if packet.bytes == 0 {
		if packet.header.fmt == RTMP_CHUNK_TYPE_0 {
			packet.clock = extendedTimestamp
		} else {
			packet.clock += extendedTimestamp
		}
		if packet.capacity < packet.header.length {
			packet.capacity = 1024 + packet.header.length
		}
	}

	sizeToRead := cr.inChunkSize - (packet.bytes % cr.inChunkSize)
	if sizeToRead > (packet.header.length - packet.bytes) {
		sizeToRead = packet.header.length - packet.bytes
	}

	if sizeToRead > 0 {
		buf := make([]byte, sizeToRead)
		if _, err := io.ReadFull(r, buf); err != nil {
			return ReadResult{}, err
		}
		bytesRead += sizeToRead
		packet.bytes += sizeToRead
		packet.payload = append(packet.payload, buf...)
	}

	result := ReadResult{BytesConsumed: bytesRead}

	if packet.bytes >= packet.header.length {
		packet.handled = true
		if packet.clock <= 0xffffffff {
			result.Packet = packet
		}
	}

	return result, nil
}
