package decode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Matroska codec IDs with a PCM payload the engine can decode directly.
const (
	codecPCMIntLE = "A_PCM/INT/LIT"
	codecPCMIntBE = "A_PCM/INT/BIG"
	codecPCMFloat = "A_PCM/FLOAT/IEEE"
)

// SupportedContainerCodec reports whether a container track's codec can be
// decoded by this build.
func SupportedContainerCodec(codecID string) bool {
	switch codecID {
	case codecPCMIntLE, codecPCMIntBE, codecPCMFloat:
		return true
	}
	return false
}

// decodePCMPacket converts one coded PCM packet into float32 samples,
// appending to dst. bitDepth 0 defaults to 16.
func decodePCMPacket(dst []float32, codecID string, bitDepth int, data []byte) ([]float32, error) {
	if bitDepth == 0 {
		bitDepth = 16
	}
	switch codecID {
	case codecPCMIntLE:
		return decodeIntPCM(dst, data, bitDepth, binary.LittleEndian)
	case codecPCMIntBE:
		return decodeIntPCM(dst, data, bitDepth, binary.BigEndian)
	case codecPCMFloat:
		return decodeFloatPCM(dst, data, bitDepth)
	default:
		return dst, fmt.Errorf("decode: unsupported container codec %q", codecID)
	}
}

func decodeIntPCM(dst []float32, data []byte, bitDepth int, order binary.ByteOrder) ([]float32, error) {
	bytesPer := bitDepth / 8
	if bytesPer < 1 || bytesPer > 4 || bitDepth%8 != 0 {
		return dst, fmt.Errorf("decode: unsupported PCM bit depth %d", bitDepth)
	}
	scale := float32(int64(1) << (bitDepth - 1))
	for i := 0; i+bytesPer <= len(data); i += bytesPer {
		var raw int32
		switch bytesPer {
		case 1:
			raw = int32(int8(data[i]))
		case 2:
			raw = int32(int16(order.Uint16(data[i:])))
		case 3:
			var u uint32
			if order == binary.ByteOrder(binary.LittleEndian) {
				u = uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16
			} else {
				u = uint32(data[i])<<16 | uint32(data[i+1])<<8 | uint32(data[i+2])
			}
			raw = int32(u<<8) >> 8
		case 4:
			raw = int32(order.Uint32(data[i:]))
		}
		dst = append(dst, float32(raw)/scale)
	}
	return dst, nil
}

func decodeFloatPCM(dst []float32, data []byte, bitDepth int) ([]float32, error) {
	switch bitDepth {
	case 32:
		for i := 0; i+4 <= len(data); i += 4 {
			dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
		}
	case 64:
		for i := 0; i+8 <= len(data); i += 8 {
			dst = append(dst, float32(math.Float64frombits(binary.LittleEndian.Uint64(data[i:]))))
		}
	default:
		return dst, fmt.Errorf("decode: unsupported float PCM bit depth %d", bitDepth)
	}
	return dst, nil
}
