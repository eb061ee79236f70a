// Golden-file diagnostic comparator: diffs outgoing control/command frames
// against recorded fixtures under testdata/. Fixtures are ASCII hex (one or
// more "xx xx xx" lines); a .bin extension would be read as raw binary
// instead. Comparison falls back from byte-equality to AMF0-structural
// equality, with object properties compared as a subset (the golden may
// omit fields the current implementation adds) and RTMP URL strings
// compared host-insensitively. Test-only: never reachable from production
// code.

package main

import (
	"bufio"
	"encoding/hex"
	"net"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func loadGoldenFixture(t *testing.T, path string) []byte {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	if strings.HasSuffix(path, ".bin") {
		return raw
	}

	hexDigits := strings.Fields(strings.Join(strings.Fields(string(raw)), " "))
	decoded, err := hex.DecodeString(strings.Join(hexDigits, ""))
	require.NoError(t, err)
	return decoded
}

// captureInvoke runs send against a session wired to one end of a net.Pipe,
// reassembles whatever it writes through a ChunkReader on the other end,
// and returns the first completed message's raw payload.
func captureInvoke(t *testing.T, send func(s *RTMPSession)) []byte {
	t.Helper()

	client, serverConn := net.Pipe()
	defer client.Close()
	defer serverConn.Close()

	server := newRTMPServerState()
	session := CreateRTMPSession(server, 1, "127.0.0.1", serverConn)

	payloadCh := make(chan []byte, 1)
	go func() {
		r := bufio.NewReader(client)
		cr := NewChunkReader()
		for {
			result, err := cr.ReadNext(r)
			if err != nil {
				return
			}
			if result.Packet != nil {
				payloadCh <- result.Packet.payload[:result.Packet.header.length]
				return
			}
		}
	}()

	send(&session)

	select {
	case p := <-payloadCh:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invoke message")
		return nil
	}
}

var rtmpURLHostRe = regexp.MustCompile(`^rtmp://[^/]+`)

// stringsEqualHostInsensitive compares two RTMP-style strings ignoring any
// "rtmp://host:port" prefix, so a fixture recorded against one deployment's
// host still matches another's.
func stringsEqualHostInsensitive(golden, actual string) bool {
	if golden == actual {
		return true
	}
	return rtmpURLHostRe.ReplaceAllString(golden, "") == rtmpURLHostRe.ReplaceAllString(actual, "")
}

// amf0GoldenSubsetEqual reports whether `actual` satisfies everything
// `golden` asserts: scalars compare directly (strings host-insensitively),
// objects compare as a field subset (every golden property must be present
// and equal in actual; actual may carry extra properties), and arrays
// compare positionally.
func amf0GoldenSubsetEqual(golden, actual *AMF0Value) bool {
	if golden == nil || actual == nil {
		return golden == actual
	}

	if golden.IsNull() || golden.IsUndefined() {
		return actual.IsNull() || actual.IsUndefined()
	}

	if golden.amf_type != actual.amf_type {
		return false
	}

	switch golden.amf_type {
	case AMF0_TYPE_NUMBER, AMF0_TYPE_DATE:
		return golden.float_val == actual.float_val
	case AMF0_TYPE_BOOL:
		return golden.bool_val == actual.bool_val
	case AMF0_TYPE_STRING, AMF0_TYPE_LONG_STRING, AMF0_TYPE_XML_DOC:
		return stringsEqualHostInsensitive(golden.str_val, actual.str_val)
	case AMF0_TYPE_OBJECT, AMF0_TYPE_TYPED_OBJ, AMF0_TYPE_ARRAY:
		for _, key := range golden.obj_keys {
			gv := golden.obj_val[key]
			av, ok := actual.obj_val[key]
			if !ok || !amf0GoldenSubsetEqual(gv, av) {
				return false
			}
		}
		return true
	case AMF0_TYPE_STRICT_ARRAY:
		if len(golden.array_val) != len(actual.array_val) {
			return false
		}
		for i := range golden.array_val {
			if !amf0GoldenSubsetEqual(golden.array_val[i], actual.array_val[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// assertGoldenMatch byte-compares golden against actual, falling back to
// structural AMF0 comparison (decoded as a command payload: name string
// followed by positional values) when the bytes differ.
func assertGoldenMatch(t *testing.T, golden, actual []byte) {
	t.Helper()

	if string(golden) == string(actual) {
		return
	}

	gCmd := decodeRTMPCommand(golden)
	aCmd := decodeRTMPCommand(actual)

	require.Equal(t, gCmd.cmd, aCmd.cmd, "command name mismatch")
	require.LessOrEqual(t, len(gCmd.positional), len(aCmd.positional), "actual has fewer positional args than the fixture")

	for i, gv := range gCmd.positional {
		require.Truef(t, amf0GoldenSubsetEqual(gv, aCmd.positional[i]),
			"positional arg %d does not satisfy fixture: golden=%s actual=%s", i, gv.ToString(""), aCmd.positional[i].ToString(""))
	}
}

func TestGoldenConnectResultMatchesFixture(t *testing.T) {
	golden := loadGoldenFixture(t, "testdata/connect_result.hex")

	actual := captureInvoke(t, func(s *RTMPSession) {
		s.RespondConnect(1, false, false)
	})

	assertGoldenMatch(t, golden, actual)
}

func TestGoldenPublishStartStatusMatchesFixture(t *testing.T) {
	golden := loadGoldenFixture(t, "testdata/publish_start_status.hex")

	actual := captureInvoke(t, func(s *RTMPSession) {
		s.publishStreamId = 1
		s.SendStatusMessage(s.publishStreamId, "status", "NetStream.Publish.Start", "live/room1 is now published.")
	})

	assertGoldenMatch(t, golden, actual)
}
