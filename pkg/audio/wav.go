package audio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// WAV format codes this package understands.
const (
	wavFormatPCM  = 1
	wavFormatUlaw = 7
)

// WavInfo describes a decoded WAV file.
type WavInfo struct {
	SampleRate int
	Channels   int

	// PCM is the audio payload converted to little-endian PCM16. µ-law
	// payloads are decoded on read.
	PCM []byte
}

// Duration returns the play time of the decoded audio.
func (w WavInfo) Duration() int64 {
	if w.SampleRate <= 0 || w.Channels <= 0 {
		return 0
	}
	samples := len(w.PCM) / 2 / w.Channels
	return int64(samples) * 1000 / int64(w.SampleRate)
}

// WriteWavPCM16 writes mono little-endian PCM16 data as a WAV file at path.
// Parent directories must already exist.
func WriteWavPCM16(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create wav %q: %w", path, err)
	}
	defer f.Close()

	header := wavHeader(uint32(len(pcm)), uint32(sampleRate), 1, 16, wavFormatPCM)
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := f.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// ReadWav reads a WAV file and returns its audio as PCM16. Supports linear
// PCM16 and G.711 µ-law payloads, mono or stereo.
func ReadWav(path string) (WavInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WavInfo{}, fmt.Errorf("audio: read wav %q: %w", path, err)
	}
	return DecodeWav(raw)
}

// DecodeWav parses WAV bytes. See [ReadWav].
func DecodeWav(raw []byte) (WavInfo, error) {
	if len(raw) < 44 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return WavInfo{}, fmt.Errorf("audio: not a RIFF/WAVE file")
	}

	var (
		format     uint16
		channels   uint16
		sampleRate uint32
		bits       uint16
		data       []byte
		haveFmt    bool
	)

	// Walk the chunk list. Chunks are word-aligned.
	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if body+size > len(raw) {
			size = len(raw) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return WavInfo{}, fmt.Errorf("audio: short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(raw[body : body+2])
			channels = binary.LittleEndian.Uint16(raw[body+2 : body+4])
			sampleRate = binary.LittleEndian.Uint32(raw[body+4 : body+8])
			bits = binary.LittleEndian.Uint16(raw[body+14 : body+16])
			haveFmt = true
		case "data":
			data = raw[body : body+size]
		}

		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || data == nil {
		return WavInfo{}, fmt.Errorf("audio: missing fmt or data chunk")
	}

	info := WavInfo{SampleRate: int(sampleRate), Channels: int(channels)}
	switch {
	case format == wavFormatPCM && bits == 16:
		info.PCM = data
	case format == wavFormatUlaw && bits == 8:
		info.PCM = DecodeUlaw(data)
	default:
		return WavInfo{}, fmt.Errorf("audio: unsupported wav format %d/%d-bit", format, bits)
	}
	return info, nil
}

// wavHeader builds a canonical 44-byte RIFF/WAVE header.
func wavHeader(dataLen, sampleRate uint32, channels, bits, format uint16) []byte {
	bytesPerSample := uint32(bits / 8)
	byteRate := sampleRate * uint32(channels) * bytesPerSample
	blockAlign := channels * uint16(bytesPerSample)

	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataLen)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], format)
	binary.LittleEndian.PutUint16(h[22:24], channels)
	binary.LittleEndian.PutUint32(h[24:28], sampleRate)
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], blockAlign)
	binary.LittleEndian.PutUint16(h[34:36], bits)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataLen)
	return h
}
