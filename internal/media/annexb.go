package media

import "encoding/binary"

// H.264 NAL unit types.
const (
	H264NALSlice byte = 1
	H264NALIDR   byte = 5
	H264NALSEI   byte = 6
	H264NALSPS   byte = 7
	H264NALPPS   byte = 8
	H264NALAUD   byte = 9
)

// H.265 NAL unit types.
const (
	H265NALBLAWLP    byte = 16
	H265NALCRA       byte = 21
	H265NALVPS       byte = 32
	H265NALSPS       byte = 33
	H265NALPPS       byte = 34
	H265NALAUD       byte = 35
	H265NALPrefixSEI byte = 39
)

var startCode = []byte{0, 0, 0, 1}

// SplitAnnexB returns the NAL units of an Annex-B byte stream without
// their start codes. Bytes before the first start code are ignored.
func SplitAnnexB(b []byte) [][]byte {
	var nalus [][]byte
	start := -1
	for i := 0; i+2 < len(b); {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if start >= 0 {
				nalus = appendNALU(nalus, b[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(b) {
		nalus = appendNALU(nalus, b[start:])
	}
	return nalus
}

func appendNALU(out [][]byte, n []byte) [][]byte {
	// trailing zeros belong to the next 4-byte start code
	for len(n) > 0 && n[len(n)-1] == 0 {
		n = n[:len(n)-1]
	}
	if len(n) == 0 {
		return out
	}
	return append(out, n)
}

// JoinAnnexB concatenates NAL units with 4-byte start codes.
func JoinAnnexB(nalus ...[]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(startCode) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}

// ToAVCC converts NAL units to 4-byte length-prefixed form.
func ToAVCC(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, size)
	off := 0
	for _, n := range nalus {
		binary.BigEndian.PutUint32(out[off:], uint32(len(n)))
		copy(out[off+4:], n)
		off += 4 + len(n)
	}
	return out
}

// NALType returns the unit type of a NAL unit for the given codec.
func NALType(codec Codec, n []byte) byte {
	if len(n) == 0 {
		return 0
	}
	if codec == CodecH265 {
		return (n[0] >> 1) & 0x3F
	}
	return n[0] & 0x1F
}

// IsAUD reports whether n is an access unit delimiter.
func IsAUD(codec Codec, n []byte) bool {
	if codec == CodecH265 {
		return NALType(codec, n) == H265NALAUD
	}
	return NALType(codec, n) == H264NALAUD
}

// IsRandomAccess reports whether a NAL unit starts a decodable picture
// (IDR for H.264, IRAP for H.265).
func IsRandomAccess(codec Codec, n []byte) bool {
	t := NALType(codec, n)
	if codec == CodecH265 {
		return t >= H265NALBLAWLP && t <= H265NALCRA
	}
	return t == H264NALIDR
}

// IsKeyFrame reports whether the Annex-B access unit contains a random
// access picture.
func IsKeyFrame(codec Codec, au []byte) bool {
	for _, n := range SplitAnnexB(au) {
		if IsRandomAccess(codec, n) {
			return true
		}
	}
	return false
}

// ParameterSets holds the out-of-band configuration NAL units of a stream.
// VPS is only used by H.265.
type ParameterSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// Complete reports whether every set the codec needs is present.
func (p ParameterSets) Complete(codec Codec) bool {
	if codec == CodecH265 && len(p.VPS) == 0 {
		return false
	}
	return len(p.SPS) > 0 && len(p.PPS) > 0
}

// Equal compares parameter sets byte for byte.
func (p ParameterSets) Equal(o ParameterSets) bool {
	return string(p.VPS) == string(o.VPS) && string(p.SPS) == string(o.SPS) && string(p.PPS) == string(o.PPS)
}

// ExtractParameterSets returns the parameter sets found in an access unit.
// The returned slices are copies.
func ExtractParameterSets(codec Codec, au []byte) ParameterSets {
	var ps ParameterSets
	for _, n := range SplitAnnexB(au) {
		t := NALType(codec, n)
		if codec == CodecH265 {
			switch t {
			case H265NALVPS:
				ps.VPS = append([]byte(nil), n...)
			case H265NALSPS:
				ps.SPS = append([]byte(nil), n...)
			case H265NALPPS:
				ps.PPS = append([]byte(nil), n...)
			}
			continue
		}
		switch t {
		case H264NALSPS:
			ps.SPS = append([]byte(nil), n...)
		case H264NALPPS:
			ps.PPS = append([]byte(nil), n...)
		}
	}
	return ps
}

// IsParameterSet reports whether n is a VPS, SPS or PPS.
func IsParameterSet(codec Codec, n []byte) bool {
	t := NALType(codec, n)
	if codec == CodecH265 {
		return t == H265NALVPS || t == H265NALSPS || t == H265NALPPS
	}
	return t == H264NALSPS || t == H264NALPPS
}
