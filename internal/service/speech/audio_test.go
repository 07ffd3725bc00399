package speech

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

// buildWAV 组装一个最小 WAV，data 为交错后的原始采样字节。
func buildWAV(format, channels uint16, rate uint32, bits uint16, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, format)
	_ = binary.Write(&buf, binary.LittleEndian, channels)
	_ = binary.Write(&buf, binary.LittleEndian, rate)
	_ = binary.Write(&buf, binary.LittleEndian, rate*uint32(channels)*uint32(bits/8))
	_ = binary.Write(&buf, binary.LittleEndian, channels*bits/8)
	_ = binary.Write(&buf, binary.LittleEndian, bits)
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func pcm16(values ...int16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestDecodeStereoWAVAveragesChannels(t *testing.T) {
	wav := buildWAV(1, 2, 44100, 16, pcm16(16384, 0, -32768, -32768))

	clip, err := DecodeAudio(wav, 16000)
	require.NoError(t, err)
	assert.Equal(t, 44100, clip.SampleRate)
	require.Len(t, clip.Samples, 2)
	assert.InDelta(t, 0.25, clip.Samples[0], 1e-6)
	assert.InDelta(t, -1.0, clip.Samples[1], 1e-6)
}

func TestDecodeFloatWAV(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(-0.25))

	clip, err := DecodeAudio(buildWAV(3, 1, 22050, 32, data), 16000)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25}, clip.Samples)
}

func TestDecode24BitWAV(t *testing.T) {
	// -1 与 +0.5 的 24 位小端表示
	data := []byte{0x00, 0x00, 0x80, 0x00, 0x00, 0x40}
	clip, err := DecodeAudio(buildWAV(1, 1, 16000, 24, data), 16000)
	require.NoError(t, err)
	require.Len(t, clip.Samples, 2)
	assert.InDelta(t, -1.0, clip.Samples[0], 1e-6)
	assert.InDelta(t, 0.5, clip.Samples[1], 1e-6)
}

func TestDecodeRawPCMFallback(t *testing.T) {
	clip, err := DecodeAudio(pcm16(0, 16384, -16384), 8000)
	require.NoError(t, err)
	assert.Equal(t, 8000, clip.SampleRate)
	assert.Equal(t, []float32{0, 0.5, -0.5}, clip.Samples)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string][]byte{
		"odd raw length":  {0x01, 0x02, 0x03},
		"riff no wave":    []byte("RIFF\x00\x00\x00\x00JUNK"),
		"missing fmt":     append([]byte("RIFF\x00\x00\x00\x00WAVEdata"), 0, 0, 0, 0),
		"unsupported fmt": buildWAV(2, 1, 8000, 4, []byte{0, 0}),
		"zero channels":   buildWAV(1, 0, 8000, 16, []byte{0, 0}),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAudio(input, 16000)
			require.Error(t, err)
			assert.Equal(t, apperr.KindDecode, apperr.KindOf(err))
		})
	}
}

func TestEncodeWAVDecodes(t *testing.T) {
	clip := speechmodel.Clip{Samples: []float32{0, 0.5, -0.5, 1}, SampleRate: 24000}
	decoded, err := DecodeAudio(EncodeWAV(clip), 16000)
	require.NoError(t, err)
	assert.Equal(t, 24000, decoded.SampleRate)
	require.Len(t, decoded.Samples, 4)
	for i := range clip.Samples {
		assert.InDelta(t, clip.Samples[i], decoded.Samples[i], 1.0/16384)
	}
	assert.Equal(t, 24000, wavSampleRate(EncodeWAV(clip)))
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.InDelta(t, 0.5, RMS([]float32{0.5, -0.5}), 1e-9)
}

func TestRawPCMDecodeBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOf(rapid.Int16()).Draw(t, "samples")
		raw := pcm16(values...)
		if bytes.HasPrefix(raw, []byte("RIFF")) {
			return
		}
		clip, err := DecodeAudio(raw, 16000)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(clip.Samples) != len(values) {
			t.Fatalf("got %d samples, want %d", len(clip.Samples), len(values))
		}
		for _, s := range clip.Samples {
			if s < -1 || s >= 1 {
				t.Fatalf("sample %f out of range", s)
			}
		}
	})
}
