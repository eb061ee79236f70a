package main

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// capturedMsg is one reassembled message written by a session, labeled
// enough to tell a control event (StreamBegin) apart from an onStatus/
// _result command without fully decoding either.
type capturedMsg struct {
	packetType uint32
	streamID   uint32
	payload    []byte
	cmd        RTMPCommand // zero value when packetType isn't an invoke
}

// captureSession wires a session to one end of a net.Pipe and reassembles
// everything it writes, in order, until the pipe closes or n messages
// arrive.
func captureSession(t *testing.T, n int, send func(s *RTMPSession)) []capturedMsg {
	t.Helper()

	client, serverConn := net.Pipe()
	defer client.Close()
	defer serverConn.Close()

	server := newRTMPServerState()
	session := CreateRTMPSession(server, 1, "127.0.0.1", serverConn)

	resultCh := make(chan []capturedMsg, 1)
	go func() {
		r := bufio.NewReader(client)
		cr := NewChunkReader()
		var out []capturedMsg
		for len(out) < n {
			result, err := cr.ReadNext(r)
			if err != nil {
				break
			}
			if result.Packet == nil {
				continue
			}
			p := result.Packet
			msg := capturedMsg{packetType: p.header.packet_type, streamID: p.header.stream_id}
			msg.payload = append(msg.payload, p.payload[:p.header.length]...)
			if p.header.packet_type == RTMP_TYPE_INVOKE || p.header.packet_type == RTMP_TYPE_FLEX_MESSAGE {
				offset := uint32(0)
				if p.header.packet_type == RTMP_TYPE_FLEX_MESSAGE {
					offset = 1
				}
				msg.cmd = decodeRTMPCommand(p.payload[offset:p.header.length])
			}
			out = append(out, msg)
		}
		resultCh <- out
	}()

	send(&session)

	select {
	case out := <-resultCh:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session messages")
		return nil
	}
}

func statusCode(m capturedMsg) string {
	return m.cmd.GetArg("info").GetProperty("code").GetString()
}

func TestRespondPlaySendsPlayStartBeforeStreamBegin(t *testing.T) {
	msgs := captureSession(t, 4, func(s *RTMPSession) {
		s.playStreamId = 3
		s.RespondPlay()
	})

	require.Equal(t, "NetStream.Play.Reset", statusCode(msgs[0]))
	require.Equal(t, "NetStream.Play.Start", statusCode(msgs[1]))

	require.EqualValues(t, RTMP_TYPE_EVENT, msgs[2].packetType)
}

func TestHandlePublishSendsStreamBeginAndControlTrio(t *testing.T) {
	msgs := captureSession(t, 5, func(s *RTMPSession) {
		s.isConnected = true
		s.channel = "live"
		s.publishStreamId = 1

		cmd := NewRTMPCommand("publish")
		cmd.AddArg("transId", AMF0Number(0))
		cmd.AddArg("cmdObj", AMF0Null())
		cmd.AddArg("", AMF0String("room1"))

		packet := createBlankRTMPPacket()
		packet.header.stream_id = 1

		s.HandlePublish(&cmd, &packet)
	})

	require.Equal(t, "NetStream.Publish.Start", statusCode(msgs[0]))
	require.EqualValues(t, RTMP_TYPE_EVENT, msgs[1].packetType, "expected StreamBegin after Publish.Start")

	require.EqualValues(t, RTMP_TYPE_WINDOW_ACKNOWLEDGEMENT_SIZE, msgs[2].packetType, "expected WindowAckSize resend")
	require.EqualValues(t, RTMP_TYPE_SET_PEER_BANDWIDTH, msgs[3].packetType, "expected SetPeerBandwidth resend")
	require.EqualValues(t, RTMP_TYPE_SET_CHUNK_SIZE, msgs[4].packetType, "expected SetChunkSize resend")
}

func TestEndPublishSendsPublishStopAndUnpublishNotify(t *testing.T) {
	server := newRTMPServerState()

	pubClient, pubConn := net.Pipe()
	defer pubClient.Close()
	defer pubConn.Close()
	publisher := CreateRTMPSession(server, 1, "127.0.0.1", pubConn)
	publisher.channel = "live/room1"
	publisher.key = "secret"
	publisher.isPublishing = true
	publisher.publishStreamId = 1
	server.SetPublisher(publisher.channel, publisher.key, "1", &publisher)

	playerClient, playerConn := net.Pipe()
	defer playerClient.Close()
	defer playerConn.Close()
	player := CreateRTMPSession(server, 2, "127.0.0.1", playerConn)
	player.channel = "live/room1"
	player.playStreamId = 2
	server.AddSession(&player)
	server.AddPlayer(player.channel, publisher.key, &player) //nolint:errcheck

	// drainFirstInvoke keeps reassembling messages for the lifetime of the
	// pipe (so later writes never block on an abandoned reader) but only
	// reports the first onStatus invoke back to the caller.
	drainFirstInvoke := func(conn net.Conn) chan capturedMsg {
		ch := make(chan capturedMsg, 1)
		go func() {
			r := bufio.NewReader(conn)
			cr := NewChunkReader()
			reported := false
			for {
				result, err := cr.ReadNext(r)
				if err != nil {
					return
				}
				if result.Packet == nil {
					continue
				}
				p := result.Packet
				if !reported && p.header.packet_type == RTMP_TYPE_INVOKE {
					reported = true
					ch <- capturedMsg{packetType: p.header.packet_type, cmd: decodeRTMPCommand(p.payload[:p.header.length])}
				}
			}
		}()
		return ch
	}

	pubMsgCh := drainFirstInvoke(pubClient)
	playerMsgCh := drainFirstInvoke(playerClient)

	publisher.EndPublish(false)

	select {
	case m := <-pubMsgCh:
		require.Equal(t, "NetStream.Publish.Stop", statusCode(m))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publisher's onStatus")
	}

	select {
	case m := <-playerMsgCh:
		require.Equal(t, "NetStream.Unpublish.Notify", statusCode(m))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for player's onStatus")
	}
}

func TestHandleInvokeRoutesReleaseStreamFCPublishAndFCUnpublish(t *testing.T) {
	for _, name := range []string{"releaseStream", "FCPublish"} {
		msgs := captureSession(t, 1, func(s *RTMPSession) {
			cmd := NewRTMPCommand(name)
			cmd.AddArg("transId", AMF0Number(5))
			cmd.AddArg("cmdObj", AMF0Null())
			cmd.AddArg("", AMF0String("room1"))

			packet := createBlankRTMPPacket()
			packet.header.packet_type = RTMP_TYPE_INVOKE
			packet.header.length = uint32(len(cmd.Encode()))
			packet.payload = cmd.Encode()

			s.HandleInvoke(&packet)
		})

		require.Equal(t, "_result", msgs[0].cmd.cmd)
		require.EqualValues(t, 5, msgs[0].cmd.GetArg("transId").GetInteger())
		require.True(t, msgs[0].cmd.GetArg("cmdObj").IsNull())
	}
}

func TestHandleInvokeFCUnpublishTearsDownPublisher(t *testing.T) {
	server := newRTMPServerState()
	client, conn := net.Pipe()
	defer client.Close()
	defer conn.Close()

	// drain whatever EndPublish writes (the unpublish onStatus) so the
	// net.Pipe write doesn't block the session under test.
	go io.Copy(io.Discard, client) //nolint:errcheck

	session := CreateRTMPSession(server, 1, "127.0.0.1", conn)
	session.channel = "live/room1"
	session.isPublishing = true
	session.publishStreamId = 1
	server.SetPublisher(session.channel, "k", "1", &session)

	cmd := NewRTMPCommand("FCUnpublish")
	cmd.AddArg("transId", AMF0Number(0))
	cmd.AddArg("cmdObj", AMF0Null())

	packet := createBlankRTMPPacket()
	packet.header.packet_type = RTMP_TYPE_INVOKE
	packet.payload = cmd.Encode()
	packet.header.length = uint32(len(packet.payload))

	session.HandleInvoke(&packet)

	require.False(t, session.isPublishing)
	require.Nil(t, server.GetPublisher(session.channel))
}

func TestHandleEventPacketMirrorsPingRequest(t *testing.T) {
	msgs := captureSession(t, 1, func(s *RTMPSession) {
		packet := createBlankRTMPPacket()
		packet.header.packet_type = RTMP_TYPE_EVENT
		packet.payload = []byte{0x00, 0x06, 0xDE, 0xAD, 0xBE, 0xEF}
		packet.header.length = uint32(len(packet.payload))

		s.HandlePacket(&packet)
	})

	require.EqualValues(t, RTMP_TYPE_EVENT, msgs[0].packetType)
	require.Equal(t, []byte{0x00, 0x07, 0xDE, 0xAD, 0xBE, 0xEF}, msgs[0].payload)
}

func TestReadChunkSendsAckAfterWindowExceeded(t *testing.T) {
	// A 200-byte audio message consumed against a 100-byte window must make
	// the session's next outgoing frame a type-3 acknowledgement.
	payload := make([]byte, 200)
	payload[0] = 0xaf

	packet := createBlankRTMPPacket()
	packet.header.fmt = RTMP_CHUNK_TYPE_0
	packet.header.cid = RTMP_CHANNEL_AUDIO
	packet.header.packet_type = RTMP_TYPE_AUDIO
	packet.payload = payload
	packet.header.length = uint32(len(payload))
	raw := packet.CreateChunks(RTMP_CHUNK_SIZE)

	msgs := captureSession(t, 1, func(s *RTMPSession) {
		s.ackSize = 100
		r := bufio.NewReader(bytes.NewReader(raw))
		for s.inAckSize < 100 {
			if !s.ReadChunk(r) {
				break
			}
		}
	})

	require.EqualValues(t, RTMP_TYPE_ACKNOWLEDGEMENT, msgs[0].packetType)
	require.Len(t, msgs[0].payload, 4)
}

func TestHandleInvokeAMF3ConnectRepliesInAMF3(t *testing.T) {
	msgs := captureSession(t, 4, func(s *RTMPSession) {
		cmdObj := AMF0Object()
		cmdObj.SetProperty("app", AMF0String("live"))

		cmd := NewRTMPCommand("connect")
		cmd.AddArg("transId", AMF3Wrap(AMF0Number(1)))
		cmd.AddArg("cmdObj", AMF3Wrap(cmdObj))

		packet := createBlankRTMPPacket()
		packet.header.packet_type = RTMP_TYPE_FLEX_MESSAGE
		packet.payload = append([]byte{0x00}, cmd.Encode()...)
		packet.header.length = uint32(len(packet.payload))

		s.HandleInvoke(&packet)
	})

	// Control trio first, then the _result as a type-17 invoke.
	require.EqualValues(t, RTMP_TYPE_WINDOW_ACKNOWLEDGEMENT_SIZE, msgs[0].packetType)
	require.EqualValues(t, RTMP_TYPE_SET_PEER_BANDWIDTH, msgs[1].packetType)
	require.EqualValues(t, RTMP_TYPE_SET_CHUNK_SIZE, msgs[2].packetType)

	require.EqualValues(t, RTMP_TYPE_FLEX_MESSAGE, msgs[3].packetType)
	require.Equal(t, "_result", msgs[3].cmd.cmd)
	require.EqualValues(t, 1, msgs[3].cmd.GetArg("transId").GetInteger())
	require.Equal(t, "NetConnection.Connect.Success", statusCode(msgs[3]))
}

func TestStartPlayerReplaysCachedHeadersBeforeGop(t *testing.T) {
	msgs := captureSession(t, 4, func(player *RTMPSession) {
		pubClient, pubConn := net.Pipe()
		defer pubClient.Close()
		defer pubConn.Close()
		go io.Copy(io.Discard, pubClient) //nolint:errcheck

		pub := CreateRTMPSession(player.server, 2, "127.0.0.1", pubConn)
		pub.isPublishing = true
		pub.channel = "live"
		pub.key = "cam"
		pub.audioCodec = 10
		pub.videoCodec = 7
		md := NewRTMPData("onMetaData")
		pub.metaData = md.Encode()
		pub.aacSequenceHeader = []byte{0xAF, 0x00, 0x12, 0x10}
		pub.avcSequenceHeader = []byte{0x17, 0x00, 0x00, 0x00, 0x00}

		cached := createBlankRTMPPacket()
		cached.header.cid = RTMP_CHANNEL_VIDEO
		cached.header.packet_type = RTMP_TYPE_VIDEO
		cached.payload = []byte{0x27, 0x01}
		cached.header.length = uint32(len(cached.payload))
		pub.rtmpGopCache.PushBack(&cached)

		player.playStreamId = 7
		pub.StartPlayer(player)
	})

	require.EqualValues(t, RTMP_TYPE_DATA, msgs[0].packetType, "metadata must come first")
	require.EqualValues(t, RTMP_TYPE_AUDIO, msgs[1].packetType, "AAC sequence header after metadata")
	require.EqualValues(t, RTMP_TYPE_VIDEO, msgs[2].packetType, "AVC sequence header after AAC")
	require.EqualValues(t, RTMP_TYPE_VIDEO, msgs[3].packetType, "GOP cache only after the headers")
	require.Equal(t, []byte{0x27, 0x01}, msgs[3].payload)

	// Outgoing frames carry the player's own stream id, not the publisher's.
	for _, m := range msgs {
		require.EqualValues(t, 7, m.streamID)
	}
}

func TestServerSetTargetLatencyStoresHint(t *testing.T) {
	server := newRTMPServerState()

	_, conn := net.Pipe()
	defer conn.Close()
	session := CreateRTMPSession(server, 1, "127.0.0.1", conn)
	server.AddSession(&session)

	server.SetTargetLatency(1, 2000, 1500)

	videoMs, audioMs := session.TargetLatency()
	require.Equal(t, 2000, videoMs)
	require.Equal(t, 1500, audioMs)

	// Unknown session ids are a no-op, not a crash.
	server.SetTargetLatency(99, 1, 1)
}

func TestHandleInvokeReceiveAudioVideoFlags(t *testing.T) {
	server := newRTMPServerState()
	_, conn := net.Pipe()
	defer conn.Close()
	session := CreateRTMPSession(server, 1, "127.0.0.1", conn)

	build := func(name string, flag bool) *RTMPPacket {
		cmd := NewRTMPCommand(name)
		cmd.AddArg("transId", AMF0Number(0))
		cmd.AddArg("cmdObj", AMF0Null())
		cmd.AddArg("", AMF0Bool(flag))

		packet := createBlankRTMPPacket()
		packet.header.packet_type = RTMP_TYPE_INVOKE
		packet.payload = cmd.Encode()
		packet.header.length = uint32(len(packet.payload))
		return &packet
	}

	require.True(t, session.receive_audio)
	require.True(t, session.receive_video)

	session.HandleInvoke(build("receiveAudio", false))
	require.False(t, session.receive_audio)

	session.HandleInvoke(build("receiveVideo", false))
	require.False(t, session.receive_video)

	session.HandleInvoke(build("receiveAudio", true))
	require.True(t, session.receive_audio)
}

func TestHandlePauseSendsEOFAndPauseNotify(t *testing.T) {
	msgs := captureSession(t, 2, func(s *RTMPSession) {
		s.isPlaying = true
		s.playStreamId = 3
		s.channel = "live"

		cmd := NewRTMPCommand("pause")
		cmd.AddArg("transId", AMF0Number(0))
		cmd.AddArg("cmdObj", AMF0Null())
		cmd.AddArg("", AMF0Bool(true))
		cmd.AddArg("", AMF0Number(0))

		s.HandlePause(&cmd)
	})

	require.EqualValues(t, RTMP_TYPE_EVENT, msgs[0].packetType, "expected StreamEOF before the status")
	require.Equal(t, "NetStream.Pause.Notify", statusCode(msgs[1]))
}

func TestHandlePauseResumeReplaysHeadersAndUnpauseNotify(t *testing.T) {
	msgs := captureSession(t, 2, func(s *RTMPSession) {
		s.isPlaying = true
		s.isPause = true
		s.playStreamId = 3
		s.channel = "live"

		cmd := NewRTMPCommand("pause")
		cmd.AddArg("transId", AMF0Number(0))
		cmd.AddArg("cmdObj", AMF0Null())
		cmd.AddArg("", AMF0Bool(false))
		cmd.AddArg("", AMF0Number(0))

		s.HandlePause(&cmd)
	})

	require.EqualValues(t, RTMP_TYPE_EVENT, msgs[0].packetType, "expected StreamBegin before the status")
	require.Equal(t, "NetStream.Unpause.Notify", statusCode(msgs[1]))
}
