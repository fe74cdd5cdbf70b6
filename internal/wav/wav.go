// Package wav encodes and decodes the minimal 16-bit PCM WAV framing used on
// the conversation socket.
package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const headerSize = 44

// Encode wraps 16-bit PCM samples in a canonical RIFF/WAVE header.
func Encode(samples []int16, sampleRate, channels int) []byte {
	dataSize := uint32(len(samples) * 2)

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+int(dataSize)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(headerSize+int(dataSize)-8))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*channels*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(channels*2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))                    // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, s)
	}

	return buf.Bytes()
}

// IsWAV reports whether the payload carries a RIFF/WAVE header.
func IsWAV(payload []byte) bool {
	return len(payload) >= 12 &&
		bytes.Equal(payload[0:4], []byte("RIFF")) &&
		bytes.Equal(payload[8:12], []byte("WAVE"))
}

// Decode extracts raw PCM bytes and format parameters from a WAV payload.
func Decode(payload []byte) (pcm []byte, sampleRate, channels int, err error) {
	if !IsWAV(payload) {
		return nil, 0, 0, fmt.Errorf("not a RIFF/WAVE payload")
	}

	// Walk the chunk list; fmt must precede data.
	offset := 12
	var haveFmt bool
	for offset+8 <= len(payload) {
		chunkID := string(payload[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(payload[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(payload) {
			return nil, 0, 0, fmt.Errorf("truncated %q chunk", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, 0, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			format := binary.LittleEndian.Uint16(payload[body : body+2])
			if format != 1 {
				return nil, 0, 0, fmt.Errorf("unsupported audio format %d, want PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(payload[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(payload[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(payload[body+14 : body+16])
			if bits != 16 {
				return nil, 0, 0, fmt.Errorf("unsupported bit depth %d, want 16", bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			return payload[body : body+chunkSize], sampleRate, channels, nil
		}

		// Chunks are word-aligned.
		if chunkSize%2 == 1 {
			chunkSize++
		}
		offset = body + chunkSize
	}

	return nil, 0, 0, fmt.Errorf("no data chunk found")
}
