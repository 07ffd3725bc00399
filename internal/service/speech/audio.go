package speech

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// DecodeAudio turns an inbound frame into mono float samples.
// RIFF/WAVE input is parsed; anything else is raw PCM16 little-endian mono at rawRate.
func DecodeAudio(data []byte, rawRate int) (speechmodel.Clip, error) {
	if len(data) >= 4 && string(data[:4]) == "RIFF" {
		return decodeWAV(data)
	}
	if len(data)%2 != 0 {
		return speechmodel.Clip{}, apperr.Newf(apperr.KindDecode, "speech.decode", "raw pcm16 frame has odd length %d", len(data))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / 32768
	}
	return speechmodel.Clip{Samples: samples, SampleRate: rawRate}, nil
}

func decodeWAV(data []byte) (speechmodel.Clip, error) {
	const op = "speech.decode"
	if len(data) < 12 || string(data[8:12]) != "WAVE" {
		return speechmodel.Clip{}, apperr.New(apperr.KindDecode, op, "missing WAVE signature")
	}

	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
		pcm                    []byte
	)

	// 逐个遍历 chunk，忽略 LIST 等无关块。
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > len(data) {
			if id == "data" {
				// 流式写出的 WAV 常带错误的 data 长度，截断到实际长度。
				size = len(data) - body
			} else {
				return speechmodel.Clip{}, apperr.Newf(apperr.KindDecode, op, "chunk %q overruns buffer", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return speechmodel.Clip{}, apperr.New(apperr.KindDecode, op, "fmt chunk too short")
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			rate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		offset = body + size + size%2
	}

	if !haveFmt {
		return speechmodel.Clip{}, apperr.New(apperr.KindDecode, op, "missing fmt chunk")
	}
	if pcm == nil {
		return speechmodel.Clip{}, apperr.New(apperr.KindDecode, op, "missing data chunk")
	}
	if channels == 0 || rate == 0 {
		return speechmodel.Clip{}, apperr.New(apperr.KindDecode, op, "invalid channel count or sample rate")
	}

	width := int(bits) / 8
	switch {
	case format == wavFormatPCM && (bits == 8 || bits == 16 || bits == 24 || bits == 32):
	case format == wavFormatFloat && bits == 32:
	default:
		return speechmodel.Clip{}, apperr.Newf(apperr.KindDecode, op, "unsupported wav encoding format=%d bits=%d", format, bits)
	}

	frameSize := width * int(channels)
	frames := len(pcm) / frameSize
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < int(channels); ch++ {
			sum += sampleAt(pcm[i*frameSize+ch*width:], format, bits)
		}
		samples[i] = sum / float32(channels)
	}

	return speechmodel.Clip{Samples: samples, SampleRate: int(rate)}, nil
}

func sampleAt(b []byte, format, bits uint16) float32 {
	if format == wavFormatFloat {
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
	switch bits {
	case 8:
		return (float32(b[0]) - 128) / 128
	case 16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
		return float32(v) / 8388608
	default:
		return float32(int32(binary.LittleEndian.Uint32(b))) / 2147483648
	}
}

// wavSampleRate reads the rate from a canonical 44-byte header, 0 when absent.
func wavSampleRate(data []byte) int {
	if len(data) < 28 || string(data[:4]) != "RIFF" || string(data[12:16]) != "fmt " {
		return 0
	}
	return int(binary.LittleEndian.Uint32(data[24:28]))
}

// RMS returns the root mean square energy of the samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EncodePCM16 converts float samples to little-endian 16-bit PCM, clipping to [-1, 1].
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

// EncodeWAV wraps mono samples in a 16-bit PCM WAV container.
func EncodeWAV(clip speechmodel.Clip) []byte {
	pcm := EncodePCM16(clip.Samples)
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(clip.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(clip.SampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
