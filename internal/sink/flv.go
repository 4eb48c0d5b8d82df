package sink

import (
	"encoding/binary"
	"errors"

	"github.com/smazurov/camnode/internal/media"
)

// FLV video tag constants.
const (
	flvFrameKey   = 1
	flvFrameInter = 2
	flvCodecAVC   = 7

	avcPacketSequenceHeader = 0
	avcPacketNALU           = 1

	// Enhanced RTMP
	flvExHeader              = 0x80
	exPacketSequenceStart    = 0
	exPacketCodedFramesNoCTS = 3
)

var fourCCHEVC = []byte("hvc1")

var errIncompleteParameterSets = errors.New("incomplete parameter sets")

func flvFrameType(key bool) byte {
	if key {
		return flvFrameKey
	}
	return flvFrameInter
}

// flvSequenceHeader builds the video tag body announcing the decoder
// configuration.
func flvSequenceHeader(codec media.Codec, ps media.ParameterSets) ([]byte, error) {
	if !ps.Complete(codec) || len(ps.SPS) < 4 {
		return nil, errIncompleteParameterSets
	}
	if codec == media.CodecH265 {
		rec, err := hevcDecoderConfig(ps)
		if err != nil {
			return nil, err
		}
		out := []byte{flvExHeader | flvFrameKey<<4 | exPacketSequenceStart}
		out = append(out, fourCCHEVC...)
		return append(out, rec...), nil
	}
	out := []byte{flvFrameKey<<4 | flvCodecAVC, avcPacketSequenceHeader, 0, 0, 0}
	return append(out, avcDecoderConfig(ps)...), nil
}

// flvVideoFrame builds the video tag body for one access unit. Parameter
// sets and delimiters are stripped; they travel in the sequence header.
func flvVideoFrame(codec media.Codec, f *media.Frame) []byte {
	var nalus [][]byte
	for _, n := range media.SplitAnnexB(f.Data) {
		if media.IsAUD(codec, n) || media.IsParameterSet(codec, n) {
			continue
		}
		nalus = append(nalus, n)
	}
	body := media.ToAVCC(nalus)
	ft := flvFrameType(f.KeyFrame)

	if codec == media.CodecH265 {
		out := make([]byte, 0, 5+len(body))
		out = append(out, flvExHeader|ft<<4|exPacketCodedFramesNoCTS)
		out = append(out, fourCCHEVC...)
		return append(out, body...)
	}
	out := make([]byte, 0, 5+len(body))
	out = append(out, ft<<4|flvCodecAVC, avcPacketNALU, 0, 0, 0)
	return append(out, body...)
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord with 4-byte
// NALU lengths.
func avcDecoderConfig(ps media.ParameterSets) []byte {
	sps, pps := ps.SPS, ps.PPS
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out, 1, sps[1], sps[2], sps[3], 0xFF, 0xE1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	return append(out, pps...)
}

// hevcDecoderConfig builds an HEVCDecoderConfigurationRecord. The profile,
// tier and level come from the SPS; chroma and bit depth are the 8-bit
// 4:2:0 our encoders produce.
func hevcDecoderConfig(ps media.ParameterSets) ([]byte, error) {
	sps := unescapeRBSP(ps.SPS)
	// 2-byte NAL header, 1 byte of ids, 12 bytes profile_tier_level
	if len(sps) < 15 {
		return nil, errors.New("hevc sps too short")
	}
	maxSubLayersMinus1 := (sps[2] >> 1) & 0x07
	temporalIDNested := sps[2] & 0x01
	ptl := sps[3:15]

	out := make([]byte, 0, 23+3*5+len(ps.VPS)+len(ps.SPS)+len(ps.PPS))
	out = append(out, 1)
	out = append(out, ptl...) // profile space/tier/idc, compat flags, constraint flags, level
	out = append(out,
		0xF0, 0x00, // min_spatial_segmentation_idc
		0xFC,       // parallelismType
		0xFD,       // chroma_format_idc 1
		0xF8,       // bit_depth_luma_minus8
		0xF8,       // bit_depth_chroma_minus8
		0x00, 0x00, // avgFrameRate
		(maxSubLayersMinus1+1)<<3|temporalIDNested<<2|0x03,
		3,
	)
	for _, n := range []struct {
		typ  byte
		data []byte
	}{
		{media.H265NALVPS, ps.VPS},
		{media.H265NALSPS, ps.SPS},
		{media.H265NALPPS, ps.PPS},
	} {
		out = append(out, 0x80|n.typ)
		out = binary.BigEndian.AppendUint16(out, 1)
		out = binary.BigEndian.AppendUint16(out, uint16(len(n.data)))
		out = append(out, n.data...)
	}
	return out, nil
}

// unescapeRBSP removes emulation prevention bytes.
func unescapeRBSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, c)
	}
	return out
}
