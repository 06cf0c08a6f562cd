package audio

import (
	"encoding/binary"
	"math"
)

// HeaderSize is the length of the canonical PCM WAV header.
const HeaderSize = 44

const (
	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8

	// sizePlaceholder fills the RIFF and data size fields while the total length is unknown.
	sizePlaceholder = math.MaxInt32
)

// Header returns a 44-byte WAV header for 16-bit PCM with placeholder size fields.
func Header(sampleRate, channels int) []byte {
	h := make([]byte, HeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], sizePlaceholder)
	copy(h[8:16], "WAVEfmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*channels*bytesPerSample))
	binary.LittleEndian.PutUint16(h[32:34], uint16(channels*bytesPerSample))
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], sizePlaceholder)
	return h
}

// SilenceBytes returns the byte length of seconds of 16-bit silence at sampleRate.
func SilenceBytes(sampleRate int, seconds float64) int {
	if seconds <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(math.Round(float64(sampleRate)*seconds)) * bytesPerSample
}
