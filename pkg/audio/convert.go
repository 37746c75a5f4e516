package audio

// DownmixToStereo converts interleaved samples with the given channel count
// into interleaved stereo, appending to dst and returning the result.
//
// Mono input is duplicated into both output channels. For anything wider
// than stereo only the first two channels are kept — the rest are dropped
// rather than folded in, matching the engine's output contract.
func DownmixToStereo(dst, src []float32, channels int) []float32 {
	switch {
	case channels <= 0 || len(src) == 0:
		return dst
	case channels == 1:
		for _, s := range src {
			dst = append(dst, s, s)
		}
		return dst
	case channels == 2:
		return append(dst, src...)
	default:
		frames := len(src) / channels
		for i := 0; i < frames; i++ {
			base := i * channels
			dst = append(dst, src[base], src[base+1])
		}
		return dst
	}
}

// PCM16LEToFloat32 decodes little-endian signed 16-bit PCM bytes into
// float32 samples in [-1, 1), appending to dst. Odd trailing bytes are
// ignored.
func PCM16LEToFloat32(dst []float32, b []byte) []float32 {
	for i := 0; i+1 < len(b); i += 2 {
		v := int16(uint16(b[i]) | uint16(b[i+1])<<8)
		dst = append(dst, float32(v)/32768.0)
	}
	return dst
}

// IntPCMToFloat32 converts integer PCM samples with the given bit depth to
// float32 in [-1, 1), appending to dst.
func IntPCMToFloat32(dst []float32, src []int, bitDepth int) []float32 {
	if bitDepth <= 0 || bitDepth > 32 {
		return dst
	}
	scale := float32(int64(1) << (bitDepth - 1))
	for _, v := range src {
		dst = append(dst, float32(v)/scale)
	}
	return dst
}
