package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	cmd := NewRTMPCommand("publish")
	cmd.AddArg("transId", AMF0Number(0))
	cmd.AddArg("cmdObj", AMF0Null())
	cmd.AddArg("", AMF0String("room1"))
	cmd.AddArg("", AMF0String("live"))

	encoded := cmd.Encode()
	decoded := decodeRTMPCommand(encoded)

	require.Equal(t, "publish", decoded.cmd)
	require.Equal(t, "room1", decoded.FirstString(0))
	require.Equal(t, "live", decoded.FirstString(1))
}

func TestCommandFirstStringSkipsNullCmdObj(t *testing.T) {
	cmd := NewRTMPCommand("play")
	cmd.AddArg("transId", AMF0Number(0))
	cmd.AddArg("cmdObj", AMF0Undefined())
	cmd.AddArg("", AMF0String("channel/key?cache=no"))

	encoded := cmd.Encode()
	decoded := decodeRTMPCommand(encoded)

	require.Equal(t, "channel/key?cache=no", decoded.FirstString(0))
}

func TestCommandFirstBoolSkipsNonBooleans(t *testing.T) {
	cmd := NewRTMPCommand("pause")
	cmd.AddArg("transId", AMF0Number(0))
	cmd.AddArg("cmdObj", AMF0Null())
	cmd.AddArg("", AMF0Bool(true))
	cmd.AddArg("", AMF0Number(500))

	encoded := cmd.Encode()
	decoded := decodeRTMPCommand(encoded)
	require.True(t, decoded.FirstBool(false))

	empty := NewRTMPCommand("receiveAudio")
	require.True(t, empty.FirstBool(true), "missing flag must fall back to the default")
	require.False(t, empty.FirstBool(false))
}

func TestCommandAddArgWithoutNameStillEncodes(t *testing.T) {
	data := NewRTMPData("onMetaData")
	data.AddArg("", AMF0String("width"))
	data.AddArg("", AMF0Number(1920))

	encoded := data.Encode()
	decoded := decodeRTMPData(encoded)

	require.Equal(t, "onMetaData", decoded.tag)
	require.Len(t, decoded.positional, 2)
	require.Equal(t, "width", decoded.positional[0].GetString())
	require.InDelta(t, 1920, decoded.positional[1].GetDouble(), 0.0001)
}

func TestDecodeRTMPCommandEmptyPayloadYieldsBlankCommand(t *testing.T) {
	cmd := decodeRTMPCommand([]byte{})
	require.Equal(t, "", cmd.cmd)
	require.Empty(t, cmd.positional)
}

func TestStreamIDString(t *testing.T) {
	require.Equal(t, "1", streamIdString(1))
	require.Equal(t, "42", streamIdString(42))
}
