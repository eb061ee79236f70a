// RTMP session: per-connection state machine. Handles the handshake, drives
// the chunk reader, dispatches invoke/data/control messages and owns the
// publisher-side GOP cache and fan-out to players. Consolidated from the
// teacher's rtmp_session.go / rtmp_session_utils.go / rtmp_publisher.go into
// one file since none of the three stood on its own once the chunk reader
// and command codec moved out.

package main

import (
	"bufio"
	"container/list"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// BitRateCache tracks received bytes over a rolling interval to report an
// approximate bit rate.
type BitRateCache struct {
	intervalMs  int64
	last_update int64
	bytes       uint64
}

// RTMPSession is the status of one accepted TCP (or TLS) connection, whether
// it ends up publishing, playing, idling or never completing the handshake.
type RTMPSession struct {
	server *RTMPServer

	conn net.Conn

	id uint64
	ip string

	chunkReader  *ChunkReader
	inChunkSize  uint32
	outChunkSize uint32

	ackSize   uint32
	inAckSize uint32
	inLastAck uint32

	objectEncoding uint32

	connectTime int64

	mutex         *sync.Mutex
	publish_mutex *sync.Mutex

	playStreamId    uint32
	publishStreamId uint32
	streams         uint32

	receive_audio bool
	receive_video bool

	channel   string
	key       string
	stream_id string

	isConnected  bool
	isPublishing bool
	isPlaying    bool
	isIdling     bool
	isPause      bool

	metaData          []byte
	audioCodec        uint32
	videoCodec        uint32
	aacSequenceHeader []byte
	avcSequenceHeader []byte

	audioMeta *AudioMeta
	videoMeta *VideoMeta

	clock int64

	rtmpGopCache       *list.List
	gopCacheSize       int64
	gopCacheLimit      int64
	gopCacheFrameLimit int
	gopCacheDisabled   bool
	gopPlayNo          bool
	gopPlayClear       bool

	bitRate      uint64
	bitRateCache BitRateCache

	targetVideoLatency int
	targetAudioLatency int
}

func CreateRTMPSession(server *RTMPServer, id uint64, ip string, c net.Conn) RTMPSession {
	return RTMPSession{
		server:        server,
		conn:          c,
		ip:            ip,
		mutex:         &sync.Mutex{},
		publish_mutex: &sync.Mutex{},
		id:            id,
		chunkReader:   NewChunkReader(),
		inChunkSize:   RTMP_CHUNK_SIZE,
		outChunkSize:  server.getOutChunkSize(),
		ackSize:       0,
		inAckSize:     0,
		inLastAck:     0,

		bitRate: 0,
		bitRateCache: BitRateCache{
			intervalMs:  1000,
			last_update: 0,
			bytes:       0,
		},

		objectEncoding:  0,
		streams:         0,
		playStreamId:    0,
		publishStreamId: 0,

		receive_audio: true,
		receive_video: true,

		isConnected:  false,
		isPublishing: false,
		isPlaying:    false,
		isIdling:     false,
		isPause:      false,

		metaData:          make([]byte, 0),
		audioCodec:        0,
		videoCodec:        0,
		aacSequenceHeader: make([]byte, 0),
		avcSequenceHeader: make([]byte, 0),
		clock:             0,

		rtmpGopCache:       list.New(),
		gopCacheSize:       0,
		gopCacheLimit:      server.gopCacheLimit,
		gopCacheFrameLimit: server.gopCacheFrameLimit,
		gopCacheDisabled:   false,
		gopPlayNo:          false,
		gopPlayClear:       false,

		channel:   "",
		key:       "",
		stream_id: "",
	}
}

// SendSync serializes writes on the socket. The write deadline is what keeps
// a stalled subscriber from ever blocking a publisher's fan-out loop: a send
// that cannot complete in time fails, the socket is closed, and the slow
// session's own read loop runs the usual cleanup (detach-on-slow).
func (s *RTMPSession) SendSync(b []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if e := s.conn.SetWriteDeadline(time.Now().Add(RTMP_WRITE_TIMEOUT * time.Millisecond)); e != nil {
		return
	}

	if _, e := s.conn.Write(b); e != nil {
		s.conn.Close()
	}
}

func (s *RTMPSession) Kill() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.conn.Close()
}

func (s *RTMPSession) GetStreamPath() string {
	return "/" + s.channel + "/" + s.key
}

// SetTargetLatency stores the integrator-provided fan-out latency hint for
// this session. The core does not act on it beyond storage; observers and
// integrators read it back via TargetLatency.
func (s *RTMPSession) SetTargetLatency(videoMs int, audioMs int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.targetVideoLatency = videoMs
	s.targetAudioLatency = audioMs
}

func (s *RTMPSession) TargetLatency() (videoMs int, audioMs int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.targetVideoLatency, s.targetAudioLatency
}

// HandleSession performs the handshake then drives the chunk reader until
// the connection closes or a protocol error forces it shut.
func (s *RTMPSession) HandleSession() {
	r := bufio.NewReader(s.conn)

	if e := s.conn.SetReadDeadline(time.Now().Add(RTMP_PING_TIMEOUT * time.Millisecond)); e != nil {
		return
	}

	version, e := r.ReadByte()
	if e != nil {
		return
	}

	if version != RTMP_VERSION {
		LogError(errors.Wrapf(ErrHandshakeInvalid, "session %d: bad C0 version byte 0x%x", s.id, version))
		return
	}

	handshakeBytes := make([]byte, RTMP_HANDSHAKE_SIZE)
	if e := s.conn.SetReadDeadline(time.Now().Add(RTMP_PING_TIMEOUT * time.Millisecond)); e != nil {
		return
	}
	n, e := io.ReadFull(r, handshakeBytes)
	if e != nil || n != RTMP_HANDSHAKE_SIZE {
		LogError(errors.Wrapf(ErrHandshakeInvalid, "session %d: short C1 read (%d/%d bytes)", s.id, n, RTMP_HANDSHAKE_SIZE))
		return
	}

	s0s1s2 := generateS0S1S2(handshakeBytes)
	n, e = s.conn.Write(s0s1s2)
	if e != nil || n != len(s0s1s2) {
		LogDebugSession(s.id, s.ip, "Could not send handshake message")
		return
	}

	s1Copy := make([]byte, RTMP_HANDSHAKE_SIZE)
	if e := s.conn.SetReadDeadline(time.Now().Add(RTMP_PING_TIMEOUT * time.Millisecond)); e != nil {
		return
	}
	n, e = io.ReadFull(r, s1Copy)
	if e != nil || n != RTMP_HANDSHAKE_SIZE {
		LogError(errors.Wrapf(ErrHandshakeInvalid, "session %d: short C2 read (%d/%d bytes)", s.id, n, RTMP_HANDSHAKE_SIZE))
		return
	}

	for {
		if !s.ReadChunk(r) {
			return
		}
	}
}

// ReadChunk consumes one chunk via the shared ChunkReader, dispatches a
// completed packet if one arrived, handles the ACK/bitrate bookkeeping the
// teacher's inlined version used to do per-chunk, and reports whether the
// session should keep reading.
func (s *RTMPSession) ReadChunk(r *bufio.Reader) bool {
	if e := s.conn.SetReadDeadline(time.Now().Add(RTMP_PING_TIMEOUT * time.Millisecond)); e != nil {
		LogDebugSession(s.id, s.ip, "Could not set deadline: "+e.Error())
		return false
	}

	result, e := s.chunkReader.ReadNext(r)
	if e != nil {
		LogDebugSession(s.id, s.ip, "Could not read chunk: "+e.Error())
		return false
	}

	if result.Packet != nil {
		s.SetClock(result.Packet.clock)
		if !s.HandlePacket(result.Packet) {
			LogDebugSession(s.id, s.ip, "Could not handle packet")
			return false
		}
	}

	s.inAckSize += result.BytesConsumed
	if s.inAckSize >= 0xf0000000 {
		s.inAckSize = 0
		s.inLastAck = 0
	}
	if s.ackSize > 0 && s.inAckSize-s.inLastAck >= s.ackSize {
		s.inLastAck = s.inAckSize
		if !s.SendACK(s.inAckSize) {
			LogDebugSession(s.id, s.ip, "Could not send ACK")
			return false
		}
		LogDebugSession(s.id, s.ip, "Sent ACK: "+strconv.Itoa(int(s.inAckSize)))
	}

	now := time.Now().UnixMilli()
	s.bitRateCache.bytes += uint64(result.BytesConsumed)
	diff := now - s.bitRateCache.last_update
	if diff >= s.bitRateCache.intervalMs {
		s.bitRate = uint64(math.Round(float64(s.bitRateCache.bytes) * 8 / float64(diff)))
		s.bitRateCache.bytes = 0
		s.bitRateCache.last_update = now
		LogDebugSession(s.id, s.ip, "Bitrate is now: "+strconv.Itoa(int(s.bitRate)))
	}

	return true
}

func (s *RTMPSession) HandlePacket(packet *RTMPPacket) bool {
	switch packet.header.packet_type {
	case RTMP_TYPE_SET_CHUNK_SIZE:
		LogDebugSession(s.id, s.ip, "Received packet: RTMP_TYPE_SET_CHUNK_SIZE")
		s.inChunkSize = binary.BigEndian.Uint32(packet.payload[0:4])
		s.chunkReader.SetChunkSize(s.inChunkSize)
	case RTMP_TYPE_WINDOW_ACKNOWLEDGEMENT_SIZE:
		LogDebugSession(s.id, s.ip, "Received packet: RTMP_TYPE_WINDOW_ACKNOWLEDGEMENT_SIZE")
		s.ackSize = binary.BigEndian.Uint32(packet.payload[0:4])
		LogDebugSession(s.id, s.ip, "ACK size updated: "+strconv.Itoa(int(s.ackSize)))
	case RTMP_TYPE_EVENT:
		return s.HandleEventPacket(packet)
	case RTMP_TYPE_AUDIO:
		return s.HandleAudioPacket(packet)
	case RTMP_TYPE_VIDEO:
		return s.HandleVideoPacket(packet)
	case RTMP_TYPE_FLEX_MESSAGE:
		LogDebugSession(s.id, s.ip, "Received packet: RTMP_TYPE_FLEX_MESSAGE")
		return s.HandleInvoke(packet)
	case RTMP_TYPE_INVOKE:
		LogDebugSession(s.id, s.ip, "Received packet: RTMP_TYPE_INVOKE")
		return s.HandleInvoke(packet)
	case RTMP_TYPE_DATA:
		LogDebugSession(s.id, s.ip, "Received packet: RTMP_TYPE_DATA")
		return s.HandleDataPacketAMF0(packet)
	case RTMP_TYPE_FLEX_STREAM:
		LogDebugSession(s.id, s.ip, "Received packet: RTMP_TYPE_FLEX_STREAM")
		return s.HandleDataPacketAMF3(packet)
	case RTMP_TYPE_METADATA:
		LogDebugSession(s.id, s.ip, "Received packet: RTMP_TYPE_METADATA")
		return s.HandleAggregatePacket(packet)
	default:
		LogDebugSession(s.id, s.ip, "Received packet: "+strconv.Itoa(int(packet.header.packet_type)))
	}

	return true
}

// HandleEventPacket answers a Ping Request (event 6) with a Ping Response
// (event 7) carrying the same 4-byte timestamp payload, and otherwise just
// logs whatever user control event arrived. No pack repo does this in the
// server role (only clients answer pings), so this one is grounded directly
// on the RTMP spec's user control message table.
func (s *RTMPSession) HandleEventPacket(packet *RTMPPacket) bool {
	if len(packet.payload) < 2 {
		return true
	}

	eventType := binary.BigEndian.Uint16(packet.payload[0:2])
	if eventType != 6 {
		LogDebugSession(s.id, s.ip, "Received user control event: "+strconv.Itoa(int(eventType)))
		return true
	}

	data := packet.payload[2:]

	resp := createBlankRTMPPacket()
	resp.header.fmt = RTMP_CHUNK_TYPE_0
	resp.header.cid = RTMP_CHANNEL_PROTOCOL
	resp.header.packet_type = RTMP_TYPE_EVENT
	resp.header.timestamp = s.clock

	resp.payload = make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(resp.payload[0:2], 7)
	copy(resp.payload[2:], data)
	resp.header.length = uint32(len(resp.payload))

	LogDebugSession(s.id, s.ip, "Sending ping response")
	s.SendSync(resp.CreateChunks(int(s.outChunkSize)))

	return true
}

// HandleAggregatePacket splits a type-22 aggregate message into its
// constituent sub-tags and feeds each back through HandlePacket as though it
// had arrived on its own chunk stream.
func (s *RTMPSession) HandleAggregatePacket(packet *RTMPPacket) bool {
	subPackets, err := splitAggregateTag(packet.payload[0:packet.header.length])
	if err != nil {
		LogDebugSession(s.id, s.ip, "Malformed aggregate: "+err.Error())
		return true
	}

	for i := range subPackets {
		sub := subPackets[i]
		sub.header.stream_id = packet.header.stream_id
		if !s.HandlePacket(&sub) {
			return false
		}
	}

	return true
}

func (s *RTMPSession) HandleInvoke(packet *RTMPPacket) bool {
	var offset uint32
	if packet.header.packet_type == RTMP_TYPE_FLEX_MESSAGE {
		offset = 1
	} else {
		offset = 0
	}

	payload := packet.payload[offset:packet.header.length]

	// The command name is always an AMF0 string, even in a type-17
	// (FLEX_MESSAGE/AMF3) invoke; individual values after it may switch to
	// AMF3 via the 0x11 marker, which ReadOne already understands.
	cmd := decodeRTMPCommand(payload)
	cmd.isAMF3 = packet.header.packet_type == RTMP_TYPE_FLEX_MESSAGE

	LogDebugSession(s.id, s.ip, "Received invoke: "+cmd.ToString())

	switch cmd.cmd {
	case "connect":
		return s.HandleConnect(&cmd)
	case "createStream":
		return s.HandleCreateStream(&cmd)
	case "publish":
		return s.HandlePublish(&cmd, packet)
	case "play":
		return s.HandlePlay(&cmd, packet)
	case "pause":
		return s.HandlePause(&cmd)
	case "deleteStream":
		return s.HandleDeleteStream(&cmd)
	case "closeStream":
		return s.HandleCloseStream(&cmd, packet)
	case "releaseStream", "FCPublish":
		return s.HandleReleaseStream(&cmd)
	case "FCUnpublish":
		return s.HandleFCUnpublish(&cmd)
	case "receiveAudio":
		s.receive_audio = cmd.FirstBool(s.receive_audio)
	case "receiveVideo":
		s.receive_video = cmd.FirstBool(s.receive_video)
	}

	return true
}

func (s *RTMPSession) HandleConnect(cmd *RTMPCommand) bool {
	s.channel = cmd.GetArg("cmdObj").GetProperty("app").GetString()

	if !validateStreamIDString(s.channel, s.server.streamIdMaxLength) {
		LogRequest(s.id, s.ip, "INVALID CHANNEL '"+s.channel+"'")
		return false
	}

	s.objectEncoding = uint32(cmd.GetArg("cmdObj").GetProperty("objectEncoding").GetInteger())
	s.connectTime = time.Now().UnixMilli()
	s.bitRateCache.intervalMs = 1000
	s.bitRateCache.last_update = s.connectTime
	s.bitRateCache.bytes = 0
	s.isConnected = true

	transId := cmd.GetArg("transId").GetInteger()

	LogRequest(s.id, s.ip, "CONNECT '"+s.channel+"'")

	s.SendWindowACK(5000000)
	s.SetPeerBandwidth(5000000, 2)
	s.SetChunkSize(s.outChunkSize)
	s.RespondConnect(transId, !cmd.GetArg("cmdObj").GetProperty("objectEncoding").IsUndefined(), cmd.isAMF3)

	return true
}

func (s *RTMPSession) HandleCreateStream(cmd *RTMPCommand) bool {
	transId := cmd.GetArg("transId").GetInteger()
	s.RespondCreateStream(transId, cmd.isAMF3)

	return true
}

// HandleReleaseStream answers `releaseStream`/`FCPublish`: both are
// pre-`publish` announcements some encoders (OBS, FMLE) send on stream 0,
// and both expect nothing but a bare acknowledgement back.
func (s *RTMPSession) HandleReleaseStream(cmd *RTMPCommand) bool {
	transId := cmd.GetArg("transId").GetInteger()

	reply := NewRTMPCommand("_result")
	reply.isAMF3 = cmd.isAMF3

	if cmd.isAMF3 {
		reply.AddArg("transId", AMF3Wrap(AMF0Number(float64(transId))))
		reply.AddArg("cmdObj", AMF3Wrap(AMF0Null()))
	} else {
		reply.AddArg("transId", AMF0Number(float64(transId)))
		reply.AddArg("cmdObj", AMF0Null())
	}

	s.SendInvokeMessage(0, reply)

	return true
}

// HandleFCUnpublish answers `FCUnpublish`, sent on stream 0 with no numeric
// stream id of its own. It routes into the same teardown HandleDeleteStream
// already does for closeStream/deleteStream, synthesizing the publish
// stream id deleteStream expects to match against.
func (s *RTMPSession) HandleFCUnpublish(cmd *RTMPCommand) bool {
	streamId := createAMF0Value(AMF0_TYPE_NUMBER)
	streamId.SetIntegerVal(int64(s.publishStreamId))
	cmd.AddArg("streamId", &streamId)
	return s.HandleDeleteStream(cmd)
}

// HandlePublish resolves the stream name robustly: clients occasionally
// send a null cmdObj or reorder positional arguments, so the stream name is
// located by scanning for the first string argument rather than trusting a
// fixed "streamName" slot (decodeRTMPCommand never names one).
func (s *RTMPSession) HandlePublish(cmd *RTMPCommand, packet *RTMPPacket) bool {
	sKeyPath := cmd.FirstString(0)
	sKeyPathSplit := strings.Split(sKeyPath, "?")
	s.key = sKeyPathSplit[0]

	if s.key == "" || !s.isConnected {
		return true
	}

	if !validateStreamIDString(s.key, s.server.streamIdMaxLength) {
		s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
		return false
	}

	s.publishStreamId = packet.header.stream_id

	if s.isPublishing {
		s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadConnection", "Connection already publishing")
		return true
	}

	if s.server.isPublishing(s.channel) {
		s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Stream already publishing")
		return false
	}

	LogRequest(s.id, s.ip, "PUBLISH ("+strconv.Itoa(int(s.publishStreamId))+") '"+s.channel+"'")

	if s.server.websocketControlConnection != nil {
		pubAccepted, streamId := s.server.websocketControlConnection.RequestPublish(s.channel, s.key, s.ip)
		if !pubAccepted {
			LogRequest(s.id, s.ip, "Error: Invalid streaming key provided")
			s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
			return false
		}
		s.stream_id = streamId
	} else {
		if !s.SendStartCallback() {
			LogRequest(s.id, s.ip, "Error: Invalid streaming key provided")
			s.SendStatusMessage(s.publishStreamId, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
			return false
		}
	}

	s.isPublishing = true
	s.server.SetPublisher(s.channel, s.key, s.stream_id, s)

	s.SendStatusMessage(s.publishStreamId, "status", "NetStream.Publish.Start", s.GetStreamPath()+" is now published.")
	s.SendStreamStatus(STREAM_BEGIN, s.publishStreamId)

	s.SendWindowACK(5000000)
	s.SetPeerBandwidth(5000000, 2)
	s.SetChunkSize(s.outChunkSize)

	s.server.observerBus.PublishStart(s.GetStreamPath(), s.id)

	s.StartIdlePlayers()

	return true
}

func (s *RTMPSession) HandlePlay(cmd *RTMPCommand, packet *RTMPPacket) bool {
	sKeyPath := cmd.FirstString(0)
	sKeyPathSplit := strings.Split(sKeyPath, "?")
	s.key = sKeyPathSplit[0]

	if len(sKeyPathSplit) > 1 {
		playParams := getRTMPParamsSimple(sKeyPathSplit[1])
		s.gopPlayNo = (playParams["cache"] == "no")
		s.gopPlayClear = (playParams["cache"] == "clear")
	}

	if s.key == "" || !s.isConnected {
		return true
	}

	s.playStreamId = packet.header.stream_id

	if s.isIdling || s.isPlaying {
		s.SendStatusMessage(s.playStreamId, "error", "NetStream.Play.BadConnection", "Connection already playing")
		return true
	}

	if !s.CanPlay() {
		s.SendStatusMessage(s.playStreamId, "error", "NetStream.Play.BadName", "Your net address is not whitelisted for playing")
		return false
	}

	LogRequest(s.id, s.ip, "PLAY ("+strconv.Itoa(int(s.playStreamId))+") '"+s.channel+"'")

	s.RespondPlay()

	idle, e := s.server.AddPlayer(s.channel, s.key, s)

	if e != nil {
		LogRequest(s.id, s.ip, "Error: Invalid streaming key provided")
		s.SendStatusMessage(s.playStreamId, "error", "NetStream.Play.BadName", "Invalid stream key provided")
		return false
	}

	if !idle {
		publisher := s.server.GetPublisher(s.channel)
		if publisher != nil {
			publisher.StartPlayer(s)
		}
	} else {
		LogRequest(s.id, s.ip, "PLAY IDLE '"+s.channel+"'")
	}

	return true
}

func (s *RTMPSession) HandlePause(cmd *RTMPCommand) bool {
	if !s.isPlaying {
		return true
	}

	s.isPause = cmd.FirstBool(false)

	if s.isPause {
		s.SendStreamStatus(STREAM_EOF, s.playStreamId)
		s.SendStatusMessage(s.playStreamId, "status", "NetStream.Pause.Notify", "Paused live")
		LogRequest(s.id, s.ip, "PAUSE '"+s.channel+"'")
	} else {
		s.SendStreamStatus(STREAM_BEGIN, s.playStreamId)
		publisher := s.server.GetPublisher(s.channel)

		if publisher != nil {
			LogRequest(s.id, s.ip, "RESUME '"+s.channel+"'")
			publisher.ResumePlayer(s)
		} else {
			LogRequest(s.id, s.ip, "PLAY IDLE '"+s.channel+"'")
		}

		s.SendStatusMessage(s.playStreamId, "status", "NetStream.Unpause.Notify", "Unpaused live")
	}

	return true
}

func (s *RTMPSession) HandleDeleteStream(cmd *RTMPCommand) bool {
	streamId := uint32(cmd.GetArg("streamId").GetInteger())

	if streamId == s.playStreamId {
		LogRequest(s.id, s.ip, "PLAY STOP '"+s.channel+"'")

		s.server.RemovePlayer(s.channel, s)

		s.SendStatusMessage(s.playStreamId, "status", "NetStream.Play.Stop", "Stopped playing stream.")

		s.playStreamId = 0
		s.isPlaying = false
		s.isIdling = false
	}

	if streamId == s.publishStreamId {
		LogDebugSession(s.id, s.ip, "Close publish stream")

		if s.isPublishing {
			s.EndPublish(false)
		}

		s.publishStreamId = 0
	}

	return true
}

func (s *RTMPSession) DeleteStream(streamId uint32) {
	if streamId == s.playStreamId {
		LogDebugSession(s.id, s.ip, "Close play stream: "+strconv.Itoa(int(streamId)))

		s.server.RemovePlayer(s.channel, s)

		s.playStreamId = 0
		s.isPlaying = false
		s.isIdling = false
	}

	if streamId == s.publishStreamId {
		LogDebugSession(s.id, s.ip, "Close publish stream: "+strconv.Itoa(int(streamId)))

		if s.isPublishing {
			s.EndPublish(true)
		}

		s.publishStreamId = 0
	}
}

func (s *RTMPSession) HandleCloseStream(cmd *RTMPCommand, packet *RTMPPacket) bool {
	streamId := createAMF0Value(AMF0_TYPE_NUMBER)
	streamId.SetIntegerVal(int64(packet.header.stream_id))
	cmd.AddArg("streamId", &streamId)
	return s.HandleDeleteStream(cmd)
}

func (s *RTMPSession) HandleAudioPacket(packet *RTMPPacket) bool {
	s.publish_mutex.Lock()
	defer s.publish_mutex.Unlock()

	if !s.isPublishing {
		return true
	}

	sound_format := (packet.payload[0] >> 4) & 0x0f

	if s.audioCodec == 0 {
		s.audioCodec = uint32(sound_format)
	}

	isHeader := (sound_format == 10 || sound_format == 13) && packet.payload[1] == 0

	if isHeader {
		s.aacSequenceHeader = packet.payload
		if sound_format == 10 {
			meta := readAACSpecificConfig(packet.payload).toAudioMeta()
			s.audioMeta = meta
		}
	}

	cachePacket := createBlankRTMPPacket()
	cachePacket.header.fmt = RTMP_CHUNK_TYPE_0
	cachePacket.header.cid = RTMP_CHANNEL_AUDIO
	cachePacket.header.packet_type = RTMP_TYPE_AUDIO
	cachePacket.payload = packet.payload
	cachePacket.header.length = uint32(len(cachePacket.payload))
	cachePacket.header.timestamp = s.clock

	if !isHeader && !s.gopCacheDisabled {
		s.rtmpGopCache.PushBack(&cachePacket)
		s.gopCacheSize += int64(cachePacket.header.length) + RTMP_PACKET_BASE_SIZE

		for s.gopCacheSize > s.gopCacheLimit || s.rtmpGopCache.Len() > s.gopCacheFrameLimit {
			toDelete := s.rtmpGopCache.Front()
			if x, ok := toDelete.Value.(*RTMPPacket); ok {
				s.gopCacheSize -= int64(x.header.length)
			}
			s.rtmpGopCache.Remove(toDelete)
			s.gopCacheSize -= RTMP_PACKET_BASE_SIZE
		}
	}

	if !isHeader {
		s.server.observerBus.AudioBuffer(s.id, packet.payload, s.audioMeta)
	}

	players := s.server.GetPlayers(s.channel)

	for i := 0; i < len(players); i++ {
		if players[i].isPlaying && !players[i].isPause && players[i].receive_audio {
			players[i].SendCachePacket(&cachePacket)
		}
	}

	return true
}

func (s *RTMPSession) HandleVideoPacket(packet *RTMPPacket) bool {
	s.publish_mutex.Lock()
	defer s.publish_mutex.Unlock()

	if !s.isPublishing {
		return true
	}

	frame_type := (packet.payload[0] >> 4) & 0x0f
	codec_id := packet.payload[0] & 0x0f

	isHeader := (codec_id == 7 || codec_id == 12) && (frame_type == 1 && packet.payload[1] == 0)

	if isHeader {
		s.avcSequenceHeader = packet.payload
		s.rtmpGopCache = list.New()
		s.gopCacheSize = 0
		if codec_id == 7 {
			meta := readAVCSpecificConfig(packet.payload).toVideoMeta()
			s.videoMeta = meta
		}
	}

	if s.videoCodec == 0 {
		s.videoCodec = uint32(codec_id)
	}

	cachePacket := createBlankRTMPPacket()
	cachePacket.header.fmt = RTMP_CHUNK_TYPE_0
	cachePacket.header.cid = RTMP_CHANNEL_VIDEO
	cachePacket.header.packet_type = RTMP_TYPE_VIDEO
	cachePacket.payload = packet.payload
	cachePacket.header.length = uint32(len(cachePacket.payload))
	cachePacket.header.timestamp = s.clock

	if !isHeader && !s.gopCacheDisabled {
		s.rtmpGopCache.PushBack(&cachePacket)
		s.gopCacheSize += int64(cachePacket.header.length) + RTMP_PACKET_BASE_SIZE

		for s.gopCacheSize > s.gopCacheLimit || s.rtmpGopCache.Len() > s.gopCacheFrameLimit {
			toDelete := s.rtmpGopCache.Front()
			if x, ok := toDelete.Value.(*RTMPPacket); ok {
				s.gopCacheSize -= int64(x.header.length)
			}
			s.rtmpGopCache.Remove(toDelete)
			s.gopCacheSize -= RTMP_PACKET_BASE_SIZE
		}
	}

	if !isHeader {
		s.server.observerBus.VideoBuffer(s.id, packet.payload, s.videoMeta)
	}

	players := s.server.GetPlayers(s.channel)

	for i := 0; i < len(players); i++ {
		if players[i].isPlaying && !players[i].isPause && players[i].receive_video {
			players[i].SendCachePacket(&cachePacket)
		}
	}

	return true
}

func (s *RTMPSession) HandleDataPacketAMF0(packet *RTMPPacket) bool {
	data := decodeRTMPData(packet.payload)
	return s.HandleRTMPData(packet, &data)
}

func (s *RTMPSession) HandleDataPacketAMF3(packet *RTMPPacket) bool {
	data := decodeRTMPData(packet.payload[1:])
	return s.HandleRTMPData(packet, &data)
}

func (s *RTMPSession) HandleRTMPData(packet *RTMPPacket, data *RTMPData) bool {
	LogDebugSession(s.id, s.ip, "Received data: "+data.ToString())
	switch data.tag {
	case "@setDataFrame":
		s.SetMetaData(s.BuildMetadata(data))
	case "onMetaData":
		s.SetMetaData(packet.payload[0:packet.header.length])
	}

	return true
}

func (s *RTMPSession) OnClose() {
	if s.playStreamId > 0 {
		s.DeleteStream(s.playStreamId)
	}
	if s.publishStreamId > 0 {
		s.DeleteStream(s.publishStreamId)
	}

	s.isConnected = false
}

/* --- outgoing protocol control / command messages --- */

func (s *RTMPSession) SendACK(size uint32) bool {
	b := []byte{
		0x02, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x04, 0x03,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	binary.BigEndian.PutUint32(b[12:16], size)
	s.SendSync(b)
	return true
}

func (s *RTMPSession) SendWindowACK(size uint32) bool {
	b := []byte{
		0x02, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x04, 0x05,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	binary.BigEndian.PutUint32(b[12:16], size)
	s.SendSync(b)
	return true
}

func (s *RTMPSession) SetPeerBandwidth(size uint32, t byte) bool {
	b := []byte{
		0x02, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x05, 0x06,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00,
	}

	binary.BigEndian.PutUint32(b[12:16], size)
	b[16] = t
	s.SendSync(b)
	return true
}

func (s *RTMPSession) SetChunkSize(size uint32) bool {
	b := []byte{
		0x02, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x04, 0x01,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	binary.BigEndian.PutUint32(b[12:16], size)
	s.SendSync(b)
	return true
}

func (s *RTMPSession) SendStreamStatus(st uint16, id uint32) bool {
	b := []byte{
		0x02, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x06, 0x04,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	binary.BigEndian.PutUint16(b[12:14], st)
	binary.BigEndian.PutUint32(b[14:18], id)
	s.SendSync(b)
	return true
}

func (s *RTMPSession) SendPingRequest() {
	if !s.isConnected {
		return
	}

	now := time.Now().UnixMilli()
	currentTimestamp := now - s.connectTime
	packet := createBlankRTMPPacket()

	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_PROTOCOL
	packet.header.packet_type = RTMP_TYPE_EVENT
	packet.header.timestamp = currentTimestamp

	packet.payload = []byte{
		0,
		6,
		byte(currentTimestamp>>24) & 0xff,
		byte(currentTimestamp>>16) & 0xff,
		byte(currentTimestamp>>8) & 0xff,
		byte(currentTimestamp) & 0xff,
	}

	packet.header.length = uint32(len(packet.payload))

	bytes := packet.CreateChunks(int(s.outChunkSize))
	LogDebugSession(s.id, s.ip, "Sending ping request")
	s.SendSync(bytes)
}

// SendInvokeMessage encodes and sends a command reply. When cmd.isAMF3 is
// set (replying to a type-17 invoke) the payload is sent as message type 17
// with the one-byte AMF3 marker prefix the format requires; the command name
// itself is still AMF0, only the AMF3-wrapped positional values after it
// carry the 0x11 switch marker (see AMF3Wrap).
func (s *RTMPSession) SendInvokeMessage(stream_id uint32, cmd RTMPCommand) {
	packet := createBlankRTMPPacket()

	LogDebugSession(s.id, s.ip, "Sending invoke message: "+cmd.ToString())

	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_INVOKE
	packet.header.stream_id = stream_id

	if cmd.isAMF3 {
		packet.header.packet_type = RTMP_TYPE_FLEX_MESSAGE
		packet.payload = append([]byte{0x00}, cmd.Encode()...)
	} else {
		packet.header.packet_type = RTMP_TYPE_INVOKE
		packet.payload = cmd.Encode()
	}
	packet.header.length = uint32(len(packet.payload))

	bytes := packet.CreateChunks(int(s.outChunkSize))
	s.SendSync(bytes)
}

func (s *RTMPSession) SendDataMessage(stream_id uint32, data RTMPData) {
	packet := createBlankRTMPPacket()

	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_DATA
	packet.header.packet_type = RTMP_TYPE_DATA
	packet.header.stream_id = stream_id
	packet.payload = data.Encode()
	packet.header.length = uint32(len(packet.payload))

	bytes := packet.CreateChunks(int(s.outChunkSize))
	s.SendSync(bytes)
}

func (s *RTMPSession) SendStatusMessage(stream_id uint32, level string, code string, description string) {
	cmd := NewRTMPCommand("onStatus")

	cmd.AddArg("transId", AMF0Number(0))
	cmd.AddArg("cmdObj", AMF0Null())

	info := AMF0Object()
	info.SetProperty("level", AMF0String(level))
	info.SetProperty("code", AMF0String(code))
	if description != "" {
		info.SetProperty("description", AMF0String(description))
	}
	cmd.AddArg("info", info)

	s.SendInvokeMessage(stream_id, cmd)
}

func (s *RTMPSession) SendSampleAccess(stream_id uint32) {
	data := NewRTMPData("|RtmpSampleAccess")
	data.AddArg("bool1", AMF0Bool(false))
	data.AddArg("bool2", AMF0Bool(false))

	s.SendDataMessage(stream_id, data)
}

func (s *RTMPSession) RespondConnect(tid int64, hasObjectEncoding bool, isAMF3 bool) {
	cmd := NewRTMPCommand("_result")
	cmd.isAMF3 = isAMF3

	cmdObj := AMF0Object()
	cmdObj.SetProperty("fmsVer", AMF0String("FMS/3,5,7,7009"))
	cmdObj.SetProperty("capabilities", AMF0Number(31))

	info := AMF0Object()
	info.SetProperty("level", AMF0String("status"))
	info.SetProperty("code", AMF0String("NetConnection.Connect.Success"))
	info.SetProperty("description", AMF0String("Connection succeeded."))

	if hasObjectEncoding {
		info.SetProperty("objectEncoding", AMF0Number(float64(s.objectEncoding)))
	} else {
		info.SetProperty("objectEncoding", AMF0Undefined())
	}

	if isAMF3 {
		cmd.AddArg("transId", AMF3Wrap(AMF0Number(float64(tid))))
		cmd.AddArg("cmdObj", AMF3Wrap(cmdObj))
		cmd.AddArg("info", AMF3Wrap(info))
	} else {
		cmd.AddArg("transId", AMF0Number(float64(tid)))
		cmd.AddArg("cmdObj", cmdObj)
		cmd.AddArg("info", info)
	}

	s.SendInvokeMessage(0, cmd)
}

func (s *RTMPSession) RespondCreateStream(tid int64, isAMF3 bool) {
	cmd := NewRTMPCommand("_result")
	cmd.isAMF3 = isAMF3

	s.streams++

	if isAMF3 {
		cmd.AddArg("transId", AMF3Wrap(AMF0Number(float64(tid))))
		cmd.AddArg("cmdObj", AMF3Wrap(AMF0Null()))
		cmd.AddArg("info", AMF3Wrap(AMF0Number(float64(s.streams))))
	} else {
		cmd.AddArg("transId", AMF0Number(float64(tid)))
		cmd.AddArg("cmdObj", AMF0Null())
		cmd.AddArg("info", AMF0Number(float64(s.streams)))
	}

	s.SendInvokeMessage(0, cmd)
}

func (s *RTMPSession) RespondPlay() {
	s.SendStatusMessage(s.playStreamId, "status", "NetStream.Play.Reset", "Playing and resetting stream.")
	s.SendStatusMessage(s.playStreamId, "status", "NetStream.Play.Start", "Started playing stream.")
	s.SendStreamStatus(STREAM_BEGIN, s.playStreamId)
	s.SendSampleAccess(0)
}

func (s *RTMPSession) SendMetadata(metaData []byte, timestamp int64) {
	if len(metaData) == 0 {
		return
	}

	packet := createBlankRTMPPacket()

	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_DATA
	packet.header.packet_type = RTMP_TYPE_DATA
	packet.payload = metaData
	packet.header.length = uint32(len(packet.payload))
	packet.header.stream_id = s.playStreamId
	packet.header.timestamp = timestamp

	chunks := packet.CreateChunks(int(s.outChunkSize))

	LogDebugSession(s.id, s.ip, "Send meta data")

	s.SendSync(chunks)
}

func (s *RTMPSession) SendAudioCodecHeader(audioCodec uint32, aacSequenceHeader []byte, timestamp int64) {
	if audioCodec != 10 && audioCodec != 13 {
		return
	}
	if len(aacSequenceHeader) == 0 {
		return
	}

	LogDebugSession(s.id, s.ip, "Send AUDIO codec header")

	packet := createBlankRTMPPacket()

	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_AUDIO
	packet.header.packet_type = RTMP_TYPE_AUDIO
	packet.payload = aacSequenceHeader
	packet.header.length = uint32(len(packet.payload))
	packet.header.stream_id = s.playStreamId
	packet.header.timestamp = timestamp

	chunks := packet.CreateChunks(int(s.outChunkSize))

	s.SendSync(chunks)
}

func (s *RTMPSession) SendVideoCodecHeader(videoCodec uint32, avcSequenceHeader []byte, timestamp int64) {
	if videoCodec != 7 && videoCodec != 12 {
		return
	}
	if len(avcSequenceHeader) == 0 {
		return
	}

	LogDebugSession(s.id, s.ip, "Send VIDEO codec header")

	packet := createBlankRTMPPacket()

	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_VIDEO
	packet.header.packet_type = RTMP_TYPE_VIDEO
	packet.payload = avcSequenceHeader
	packet.header.length = uint32(len(packet.payload))
	packet.header.stream_id = s.playStreamId
	packet.header.timestamp = timestamp

	chunks := packet.CreateChunks(int(s.outChunkSize))

	s.SendSync(chunks)
}

// BuildMetadata strips the @setDataFrame wrapper: the client sends
// ["@setDataFrame", "onMetaData", {...}], and what gets cached and replayed
// to players is ["onMetaData", {...}].
func (s *RTMPSession) BuildMetadata(data *RTMPData) []byte {
	out := NewRTMPData("onMetaData")
	if len(data.positional) > 0 {
		out.AddArg("dataObj", data.positional[len(data.positional)-1])
	}
	return out.Encode()
}

func (s *RTMPSession) SendCachePacket(cache *RTMPPacket) {
	packet := createBlankRTMPPacket()

	packet.header.fmt = cache.header.fmt
	packet.header.cid = cache.header.cid
	packet.header.packet_type = cache.header.packet_type
	packet.payload = cache.payload
	packet.header.length = uint32(len(packet.payload))
	packet.header.stream_id = s.playStreamId
	packet.header.timestamp = cache.header.timestamp

	chunks := packet.CreateChunks(int(s.outChunkSize))

	s.SendSync(chunks)
}

func (s *RTMPSession) CanPlay() bool {
	r := getEnvWhitelist("RTMP_PLAY_WHITELIST")
	return matchesIPWhitelist(r, s.ip)
}

/* --- publisher-side fan-out --- */

func (s *RTMPSession) StartIdlePlayers() {
	s.publish_mutex.Lock()
	defer s.publish_mutex.Unlock()

	idlePlayers := s.server.GetIdlePlayers(s.channel)

	for i := 0; i < len(idlePlayers); i++ {
		if subtle.ConstantTimeCompare([]byte(s.key), []byte(idlePlayers[i].key)) == 1 {
			player := idlePlayers[i]

			LogRequest(player.id, player.ip, "PLAY START '"+player.channel+"'")

			player.SendMetadata(s.metaData, 0)
			player.SendAudioCodecHeader(s.audioCodec, s.aacSequenceHeader, 0)
			player.SendVideoCodecHeader(s.videoCodec, s.avcSequenceHeader, 0)

			if !player.gopPlayNo && s.rtmpGopCache.Len() > 0 {
				for t := s.rtmpGopCache.Front(); t != nil; t = t.Next() {
					if x, ok := t.Value.(*RTMPPacket); ok {
						player.SendCachePacket(x)
					}
				}
			}

			player.isPlaying = true
			player.isIdling = false

			if player.gopPlayClear {
				s.rtmpGopCache = list.New()
				s.gopCacheSize = 0
				s.gopCacheDisabled = true
			}
		} else {
			LogRequest(idlePlayers[i].id, idlePlayers[i].ip, "Error: Invalid stream key provided")
			idlePlayers[i].SendStatusMessage(idlePlayers[i].playStreamId, "error", "NetStream.Play.BadName", "Invalid stream key provided")
			idlePlayers[i].Kill()
		}
	}
}

func (s *RTMPSession) StartPlayer(player *RTMPSession) {
	s.publish_mutex.Lock()
	defer s.publish_mutex.Unlock()

	if !s.isPublishing {
		player.isPlaying = false
		player.isIdling = true
		LogRequest(player.id, player.ip, "PLAY IDLE '"+player.channel+"'")
		return
	}

	LogRequest(player.id, player.ip, "PLAY START '"+player.channel+"'")

	player.SendMetadata(s.metaData, 0)
	player.SendAudioCodecHeader(s.audioCodec, s.aacSequenceHeader, 0)
	player.SendVideoCodecHeader(s.videoCodec, s.avcSequenceHeader, 0)

	if !player.gopPlayNo && s.rtmpGopCache.Len() > 0 {
		for t := s.rtmpGopCache.Front(); t != nil; t = t.Next() {
			if x, ok := t.Value.(*RTMPPacket); ok {
				player.SendCachePacket(x)
			}
		}
	}

	player.isPlaying = true
	player.isIdling = false

	if player.gopPlayClear {
		s.rtmpGopCache = list.New()
		s.gopCacheSize = 0
		s.gopCacheDisabled = true
	}
}

func (s *RTMPSession) ResumePlayer(player *RTMPSession) {
	s.publish_mutex.Lock()
	defer s.publish_mutex.Unlock()

	player.SendAudioCodecHeader(s.audioCodec, s.aacSequenceHeader, s.clock)
	player.SendVideoCodecHeader(s.videoCodec, s.avcSequenceHeader, s.clock)
}

func (s *RTMPSession) EndPublish(isClose bool) {
	s.publish_mutex.Lock()
	defer s.publish_mutex.Unlock()

	if s.isPublishing {
		LogRequest(s.id, s.ip, "PUBLISH END '"+s.channel+"'")

		if !isClose {
			s.SendStatusMessage(s.publishStreamId, "status", "NetStream.Publish.Stop", s.GetStreamPath()+" is now unpublished.")
		}

		players := s.server.GetPlayers(s.channel)

		for i := 0; i < len(players); i++ {
			players[i].isIdling = true
			players[i].isPlaying = false
			LogRequest(players[i].id, players[i].ip, "PLAY IDLE '"+players[i].channel+"'")
			players[i].SendStatusMessage(players[i].playStreamId, "status", "NetStream.Unpublish.Notify", "stream is now unpublished.")
			players[i].SendStreamStatus(STREAM_EOF, players[i].playStreamId)
		}

		reason := "unpublish"
		if isClose {
			reason = "disconnect"
		}
		s.server.observerBus.PublishStop(s.GetStreamPath(), s.id, reason)

		s.server.RemovePublisher(s.channel)

		s.rtmpGopCache = list.New()

		s.isPublishing = false

		if s.server.websocketControlConnection != nil {
			if s.server.websocketControlConnection.PublishEnd(s.channel, s.stream_id) {
				LogDebugSession(s.id, s.ip, "Stop event sent")
			} else {
				LogDebugSession(s.id, s.ip, "Could not send stop event")
			}
		} else {
			if s.SendStopCallback() {
				LogDebugSession(s.id, s.ip, "Stop event sent")
			} else {
				LogDebugSession(s.id, s.ip, "Could not send stop event")
			}
		}
	}
}

func (s *RTMPSession) SetClock(clock int64) {
	s.publish_mutex.Lock()
	defer s.publish_mutex.Unlock()

	s.clock = clock
}

func (s *RTMPSession) SetMetaData(metaData []byte) {
	s.publish_mutex.Lock()
	defer s.publish_mutex.Unlock()

	if !s.isPublishing {
		return
	}

	s.metaData = metaData

	players := s.server.GetPlayers(s.channel)

	for i := 0; i < len(players); i++ {
		players[i].SendMetadata(metaData, 0)
	}
}
