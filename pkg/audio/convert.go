package audio

import "encoding/binary"

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// ResampleMono16 converts little-endian mono PCM16 between sample rates by
// linear interpolation. Equal rates or degenerate input return pcm unchanged.
// Good enough for speech between the 8 kHz telephony leg and the model's
// 24 kHz leg; music fidelity is not a goal here.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	n := len(pcm) / 2
	outN := int(int64(n) * int64(dstRate) / int64(srcRate))
	if outN == 0 {
		return nil
	}

	out := make([]byte, outN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		a := sampleAt(pcm, j)
		b := a
		if j+1 < n {
			b = sampleAt(pcm, j+1)
		}
		putSample(out, i, int16(float64(a)+(float64(b)-float64(a))*frac))
	}
	return out
}

// StereoToMono mixes interleaved stereo PCM16 down to mono by averaging the
// channel pair of each frame. The switch's mixed master recordings are the
// only stereo audio the engine sees.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ChunkPCM splits pcm into frames of at most frameBytes, rounding frameBytes
// down to an even count so no int16 sample straddles two chunks. The final
// chunk may be short.
func ChunkPCM(pcm []byte, frameBytes int) [][]byte {
	if frameBytes < 2 {
		frameBytes = 2
	}
	frameBytes &^= 1

	var chunks [][]byte
	for len(pcm) > 0 {
		n := min(frameBytes, len(pcm))
		chunks = append(chunks, pcm[:n])
		pcm = pcm[n:]
	}
	return chunks
}
