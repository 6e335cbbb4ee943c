package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by
// EncodeWAV.
const WAVHeaderSize = 44

var ErrInvalidWAV = errors.New("audio: invalid wav container")

// EncodeWAV wraps the frame's samples in a canonical 44-byte RIFF/WAVE
// header: PCM format, 16-bit little-endian, frame.Channels channels.
func EncodeWAV(f Frame) []byte {
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	const bitsPerSample = 16
	byteRate := uint32(f.SampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(f.Samples) * 2)

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+int(dataLen)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36)+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	_ = binary.Write(buf, binary.LittleEndian, f.Samples)
	return buf.Bytes()
}

// DecodeWAV parses a container produced by EncodeWAV. Only the canonical
// layout is accepted; extra chunks are rejected.
func DecodeWAV(b []byte) (samples []int16, sampleRate, channels int, err error) {
	if len(b) < WAVHeaderSize {
		return nil, 0, 0, fmt.Errorf("%w: %d bytes", ErrInvalidWAV, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return nil, 0, 0, fmt.Errorf("%w: bad chunk ids", ErrInvalidWAV)
	}
	le := binary.LittleEndian
	if format := le.Uint16(b[20:22]); format != 1 {
		return nil, 0, 0, fmt.Errorf("%w: format %d", ErrInvalidWAV, format)
	}
	if bits := le.Uint16(b[34:36]); bits != 16 {
		return nil, 0, 0, fmt.Errorf("%w: %d bits per sample", ErrInvalidWAV, bits)
	}
	channels = int(le.Uint16(b[22:24]))
	sampleRate = int(le.Uint32(b[24:28]))
	dataLen := int(le.Uint32(b[40:44]))
	if dataLen > len(b)-WAVHeaderSize || dataLen%2 != 0 {
		return nil, 0, 0, fmt.Errorf("%w: data length %d", ErrInvalidWAV, dataLen)
	}
	samples = make([]int16, dataLen/2)
	for i := range samples {
		samples[i] = int16(le.Uint16(b[WAVHeaderSize+2*i:]))
	}
	return samples, sampleRate, channels, nil
}
