package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALSlice = 1
	NALIDR   = 5
	NALSEI   = 6
	NALSPS   = 7
	NALPPS   = 8
	NALAUD   = 9
)

// Slice types after the %5 fold (ITU-T H.264 Table 7-6).
const (
	SliceP  = 0
	SliceB  = 1
	SliceI  = 2
	SliceSP = 3
	SliceSI = 4
)

// ErrNoSPS is returned by the video decoder before it has seen parameters.
var ErrNoSPS = errors.New("codec: no SPS")

// NALUnit is one NAL unit without its start code or length prefix.
type NALUnit struct {
	Type byte
	Data []byte
}

// SPS holds the sequence parameters the engine uses: picture size, profile,
// and the VUI frame rate when signalled.
type SPS struct {
	Width      int
	Height     int
	Profile    byte
	Constraint byte
	Level      byte
	// FrameRate is 0 when the VUI carries no timing info.
	FrameRate float64
}

// CodecString returns the RFC 6381 codec parameter string.
func (s SPS) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.Profile, s.Constraint, s.Level)
}

var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an SPS NAL unit including its header byte.
func ParseSPS(nalu []byte) (SPS, error) {
	if len(nalu) < 4 {
		return SPS{}, errShortBitstream
	}
	br := newBitReader(unescapeRBSP(nalu[1:]))

	profile, err := br.readBits(8)
	if err != nil {
		return SPS{}, err
	}
	constraint, _ := br.readBits(8)
	level, _ := br.readBits(8)
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return SPS{}, err
	}

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfiles[profile] {
		if chromaFormat, err = br.readUE(); err != nil {
			return SPS{}, err
		}
		if chromaFormat == 3 {
			if separatePlanes, err = br.readFlag(); err != nil {
				return SPS{}, err
			}
		}
		// bit_depth_luma, bit_depth_chroma
		if err := br.skipUE(2); err != nil {
			return SPS{}, err
		}
		br.readBit() // qpprime_y_zero_transform_bypass
		scaling, err := br.readFlag()
		if err != nil {
			return SPS{}, err
		}
		if scaling {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := range lists {
				present, err := br.readFlag()
				if err != nil {
					return SPS{}, err
				}
				if !present {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				if err := br.skipScalingList(size); err != nil {
					return SPS{}, err
				}
			}
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num
		return SPS{}, err
	}
	pocType, err := br.readUE()
	if err != nil {
		return SPS{}, err
	}
	switch pocType {
	case 0:
		if _, err := br.readUE(); err != nil {
			return SPS{}, err
		}
	case 1:
		br.readBit()
		br.readSE()
		br.readSE()
		cycle, err := br.readUE()
		if err != nil {
			return SPS{}, err
		}
		for range cycle {
			if _, err := br.readSE(); err != nil {
				return SPS{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return SPS{}, err
	}
	br.readBit() // gaps_in_frame_num_allowed

	widthMbs, err := br.readUE()
	if err != nil {
		return SPS{}, err
	}
	heightUnits, err := br.readUE()
	if err != nil {
		return SPS{}, err
	}
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return SPS{}, err
	}
	if frameMbsOnly == 0 {
		br.readBit() // mb_adaptive_frame_field
	}
	br.readBit() // direct_8x8_inference

	var cropL, cropR, cropT, cropB uint
	if crop, err := br.readFlag(); err != nil {
		return SPS{}, err
	} else if crop {
		cropL, _ = br.readUE()
		cropR, _ = br.readUE()
		cropT, _ = br.readUE()
		if cropB, err = br.readUE(); err != nil {
			return SPS{}, err
		}
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes, chromaFormat == 0, chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subW, subH = 2, 1
	}
	cropUnitY := subH * (2 - frameMbsOnly)

	sps := SPS{
		Width:      int((widthMbs+1)*16 - subW*(cropL+cropR)),
		Height:     int((heightUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropT+cropB)),
		Profile:    byte(profile),
		Constraint: byte(constraint),
		Level:      byte(level),
	}

	if vui, err := br.readFlag(); err == nil && vui {
		sps.FrameRate = parseVUIFrameRate(br)
	}
	return sps, nil
}

// parseVUIFrameRate walks the VUI up to timing_info and returns the
// nominal frame rate, or 0.
func parseVUIFrameRate(br *bitReader) float64 {
	if ar, _ := br.readFlag(); ar {
		if idc, _ := br.readBits(8); idc == 255 {
			br.readBits(32) // sar_width, sar_height
		}
	}
	if overscan, _ := br.readFlag(); overscan {
		br.readBit()
	}
	if signal, _ := br.readFlag(); signal {
		br.readBits(4)
		if colour, _ := br.readFlag(); colour {
			br.readBits(24)
		}
	}
	if chromaLoc, _ := br.readFlag(); chromaLoc {
		br.skipUE(2)
	}
	timing, err := br.readFlag()
	if err != nil || !timing {
		return 0
	}
	units, _ := br.readBits(32)
	scale, err := br.readBits(32)
	if err != nil || units == 0 {
		return 0
	}
	return float64(scale) / float64(2*units)
}

// SliceType returns the folded slice_type of a coded slice NAL unit.
func SliceType(nalu []byte) (int, error) {
	if len(nalu) < 2 {
		return 0, errShortBitstream
	}
	br := newBitReader(unescapeRBSP(nalu[1:min(len(nalu), 16)]))
	if _, err := br.readUE(); err != nil { // first_mb_in_slice
		return 0, err
	}
	st, err := br.readUE()
	if err != nil {
		return 0, err
	}
	return int(st % 5), nil
}

// ParseAnnexB splits an Annex B byte stream on 3- and 4-byte start codes.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type span struct{ sc, start int }
	var spans []span
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				spans = append(spans, span{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				spans = append(spans, span{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, s := range spans {
		end := n
		if idx+1 < len(spans) {
			end = spans[idx+1].sc
		}
		if s.start >= end {
			continue
		}
		nal := data[s.start:end]
		units = append(units, NALUnit{Type: nal[0] & 0x1F, Data: nal})
	}
	return units
}

// SplitAVCC splits a length-prefixed (AVCC) access unit with 4-byte
// lengths, as carried in FLV and MP4.
func SplitAVCC(data []byte) ([]NALUnit, error) {
	var units []NALUnit
	for len(data) > 0 {
		if len(data) < 4 {
			return units, errShortBitstream
		}
		size := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if size == 0 {
			continue
		}
		if size > len(data) {
			return units, fmt.Errorf("codec: avcc nal length %d exceeds %d remaining", size, len(data))
		}
		units = append(units, NALUnit{Type: data[0] & 0x1F, Data: data[:size]})
		data = data[size:]
	}
	return units, nil
}

// AccessUnit summarizes the NAL units of one picture.
type AccessUnit struct {
	Keyframe bool
	HasSPS   bool
	SPS      []byte
	// SliceType of the first coded slice, -1 when none was found.
	SliceType int
	SEI       [][]byte
}

// InspectAccessUnit classifies the NAL units of one picture.
func InspectAccessUnit(nalus []NALUnit) AccessUnit {
	au := AccessUnit{SliceType: -1}
	for _, n := range nalus {
		switch n.Type {
		case NALIDR:
			au.Keyframe = true
			if au.SliceType < 0 {
				au.SliceType, _ = SliceType(n.Data)
			}
		case NALSlice:
			if au.SliceType < 0 {
				if st, err := SliceType(n.Data); err == nil {
					au.SliceType = st
				}
			}
		case NALSPS:
			au.HasSPS = true
			au.SPS = n.Data
		case NALSEI:
			au.SEI = append(au.SEI, n.Data)
		}
	}
	return au
}
