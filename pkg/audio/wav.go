package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// EncodeWAV wraps mono int16 PCM in a RIFF/WAVE container and returns the
// complete file contents. Useful for HTTP uploads that expect a WAV body.
func EncodeWAV(samples []int16, rate int) []byte {
	dataSize := uint32(len(samples) * 2)
	buf := make([]byte, 0, 44+int(dataSize))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, 36+dataSize)
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, 1) // mono
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rate)*2) // byte rate
	buf = binary.LittleEndian.AppendUint16(buf, 2)              // block align
	buf = binary.LittleEndian.AppendUint16(buf, 16)             // bits per sample
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, dataSize)
	return append(buf, SamplesToBytes(samples)...)
}

// WriteWAV writes mono int16 PCM to path as a RIFF/WAVE file.
func WriteWAV(path string, samples []int16, rate int) error {
	if err := os.WriteFile(path, EncodeWAV(samples, rate), 0o644); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	return nil
}

// ReadWAV loads a mono 16-bit PCM WAV file and returns its samples and
// sample rate. Chunks other than "fmt " and "data" are skipped.
func ReadWAV(path string) ([]int16, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: read wav: %w", err)
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: %s: not a RIFF/WAVE file", path)
	}

	var rate int
	var data []byte
	pos := 12
	for pos+8 <= len(raw) {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(raw) {
			size = len(raw) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: %s: truncated fmt chunk", path)
			}
			format := binary.LittleEndian.Uint16(raw[body:])
			channels := binary.LittleEndian.Uint16(raw[body+2:])
			bits := binary.LittleEndian.Uint16(raw[body+14:])
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("audio: %s: want mono 16-bit PCM, got format=%d channels=%d bits=%d",
					path, format, channels, bits)
			}
			rate = int(binary.LittleEndian.Uint32(raw[body+4:]))
		case "data":
			data = raw[body : body+size]
		}
		// Chunks are word-aligned.
		pos = body + size + size%2
	}
	if rate == 0 || data == nil {
		return nil, 0, fmt.Errorf("audio: %s: missing fmt or data chunk: %w", path, io.ErrUnexpectedEOF)
	}
	return BytesToSamples(data), rate, nil
}

// MixSaturate adds two PCM streams sample by sample with int16 saturation.
// The shorter stream is treated as zero-padded, so the result has the length
// of the longer input.
func MixSaturate(a, b []int16) []int16 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int16, n)
	for i := range out {
		var va, vb int32
		if i < len(a) {
			va = int32(a[i])
		}
		if i < len(b) {
			vb = int32(b[i])
		}
		out[i] = clamp16i(va + vb)
	}
	return out
}
