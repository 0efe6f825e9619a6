package audio

import "github.com/zaf/g711"

// DecodeUlaw converts G.711 µ-law samples (one byte per sample) to
// little-endian PCM16. The output is twice the input length.
func DecodeUlaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodeUlaw converts little-endian PCM16 to G.711 µ-law samples.
// The output is half the input length.
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}
