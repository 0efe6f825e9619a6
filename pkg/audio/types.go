// Package audio provides the audio primitives shared across the voicebot
// engine: PCM frames, sample-rate conversion, µ-law transcoding, and WAV
// file encode/decode.
//
// The telephony switch delivers and accepts 8 kHz mono audio (µ-law or
// signed 16-bit PCM); the speech provider consumes and produces 24 kHz
// mono PCM16. Everything in this package is little-endian int16 PCM unless
// a function name says otherwise.
package audio

import "time"

// Telephony and speech-plane sample rates used throughout the engine.
const (
	// TelephonyRate is the sample rate of the switch's audio plane.
	TelephonyRate = 8000

	// SpeechRate is the sample rate the speech provider expects and emits.
	SpeechRate = 24000
)

// AudioFrame represents a single frame of audio data flowing through the
// engine. Frames are the atomic unit of audio transport: read from recorded
// WAV segments, pushed to the speech provider, and received back as
// synthesized speech.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz (8000 for the switch, 24000 for the speech provider).
	SampleRate int

	// Channels: always 1 for telephony audio; kept explicit so corrupted
	// input can be rejected rather than misinterpreted.
	Channels int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}

// DurationOf returns the play time of a PCM16 mono byte slice at rate Hz.
func DurationOf(pcm []byte, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
