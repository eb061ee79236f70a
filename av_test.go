package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadAACSpecificConfigLC44100Stereo(t *testing.T) {
	// First 2 bytes are the audio tag header (ignored by the 16-bit skip);
	// 0x12 0x10 is a standard AAC-LC / 44100Hz / stereo AudioSpecificConfig.
	header := []byte{0xAF, 0x00, 0x12, 0x10}

	info := readAACSpecificConfig(header)

	require.EqualValues(t, 2, info.object_type) // LC
	require.EqualValues(t, 4, info.sampling_index)
	require.EqualValues(t, 44100, info.sample_rate)
	require.EqualValues(t, 2, info.chan_config)
	require.EqualValues(t, 2, info.channels)
	require.Equal(t, "LC", getAACProfileName(info))

	meta := info.toAudioMeta()
	require.Equal(t, 44100, meta.SampleRate)
	require.EqualValues(t, 2, meta.ChannelConfig)
}

func TestReadAVCSpecificConfigDispatchesOnCodecID(t *testing.T) {
	// A short, otherwise-blank sequence header: just enough to cover the
	// fixed-width fields (version/profile/compat/level/nalu length) and run
	// out of bits right before the SPS count, exercising nine sequential
	// Bitop.Read calls without the cursor resetting between them.
	header := make([]byte, 10)
	header[0] = 0x17 // frame type 1 (key frame), codec id 7 (H264)

	avc := readAVCSpecificConfig(header)

	require.EqualValues(t, AVC_CODEC_H264, avc.codec)
	require.EqualValues(t, 0, avc.h264.nb_sps)
}

func TestToVideoMetaH264(t *testing.T) {
	avc := AVCSpecificConfig{
		codec: AVC_CODEC_H264,
		h264: H264SpecificConfig{
			profile: 100,
			level:   4.0,
			width:   1920,
			height:  1080,
		},
	}

	meta := avc.toVideoMeta()
	require.Equal(t, "avc", meta.Codec)
	require.EqualValues(t, 100, meta.Profile)
	require.Equal(t, "High", getAVCProfileName(avc))
	require.Equal(t, 1920, meta.Width)
	require.Equal(t, 1080, meta.Height)
}
