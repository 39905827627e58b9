package mp4

import (
	"context"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/pkg/errors"
	"github.com/xaionaro-go/asyncdecoder"
)

func findVideoTrak(moov *mp4.MoovBox) *mp4.TrakBox {
	if moov == nil {
		return nil
	}
	for _, trak := range moov.Traks {
		if trak.Mdia != nil && trak.Mdia.Hdlr != nil && trak.Mdia.Hdlr.HandlerType == "vide" {
			return trak
		}
	}
	return nil
}

func (s *Source) loadTrackInfo(ctx context.Context, trak *mp4.TrakBox) {
	if trak.Mdia.Mdhd != nil && trak.Mdia.Mdhd.Timescale != 0 {
		s.timescale = trak.Mdia.Mdhd.Timescale
	}
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return
	}
	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		entry, ok := child.(*mp4.VisualSampleEntryBox)
		if !ok {
			continue
		}
		s.format.Codec = codecFromSampleEntry(entry.Type())
		s.format.Width = int(entry.Width)
		s.format.Height = int(entry.Height)
		switch {
		case entry.AvcC != nil:
			s.format.CodecSpecific = append(s.format.CodecSpecific, entry.AvcC.SPSnalus...)
			s.format.CodecSpecific = append(s.format.CodecSpecific, entry.AvcC.PPSnalus...)
		case entry.HvcC != nil:
			for _, arr := range entry.HvcC.NaluArrays {
				s.format.CodecSpecific = append(s.format.CodecSpecific, arr.Nalus...)
			}
		}
		s.parameterSet = appendAnnexB(nil, s.format.CodecSpecific...)
		return
	}
	logger.Warnf(ctx, "no visual sample entry found in the video track")
}

func codecFromSampleEntry(boxType string) asyncdecoder.VideoCodec {
	switch boxType {
	case "avc1", "avc3":
		return asyncdecoder.VideoCodecH264
	case "hvc1", "hev1":
		return asyncdecoder.VideoCodecHEVC
	case "vp09":
		return asyncdecoder.VideoCodecVP9
	case "av01":
		return asyncdecoder.VideoCodecAV1
	}
	return asyncdecoder.VideoCodecUndefined
}

func (s *Source) loadProgressive(ctx context.Context, file *mp4.File) error {
	trak := findVideoTrak(file.Moov)
	if trak == nil {
		return errors.New("no video track found")
	}
	s.loadTrackInfo(ctx, trak)

	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
		return errors.New("no sample table found")
	}
	stbl := trak.Mdia.Minf.Stbl
	if stbl.Stsz == nil || stbl.Stsc == nil {
		return errors.New("missing stsz or stsc box")
	}

	syncSamples := map[uint32]struct{}{}
	if stbl.Stss != nil {
		for _, nr := range stbl.Stss.SampleNumber {
			syncSamples[nr] = struct{}{}
		}
	}

	for nr := uint32(1); nr <= stbl.Stsz.SampleNumber; nr++ {
		chunkNr, firstSampleInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(nr))
		if err != nil {
			return errors.Wrapf(err, "unable to find the chunk of sample #%d", nr)
		}

		var chunkOffset uint64
		switch {
		case stbl.Stco != nil:
			chunkOffset, err = stbl.Stco.GetOffset(chunkNr)
			if err != nil {
				return errors.Wrapf(err, "unable to get the offset of chunk #%d", chunkNr)
			}
		case stbl.Co64 != nil:
			if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
				return errors.Errorf("chunk #%d is out of range", chunkNr)
			}
			chunkOffset = stbl.Co64.ChunkOffset[chunkNr-1]
		default:
			return errors.New("no stco or co64 box")
		}

		offset := chunkOffset
		for prev := uint32(firstSampleInChunk); prev < nr; prev++ {
			offset += uint64(stbl.Stsz.GetSampleSize(int(prev)))
		}

		smp := sample{
			Offset: int64(offset),
			Size:   stbl.Stsz.GetSampleSize(int(nr)),
		}
		if stbl.Stts != nil {
			smp.DecodeTime, _ = stbl.Stts.GetDecodeTime(nr)
		}
		if stbl.Ctts != nil {
			smp.CompOffset = stbl.Ctts.GetCompositionTimeOffset(nr)
		}
		_, isSync := syncSamples[nr]
		smp.IsSync = isSync || len(syncSamples) == 0
		s.samples = append(s.samples, smp)
	}
	return nil
}

func (s *Source) loadFragmented(ctx context.Context, file *mp4.File) error {
	if file.Init == nil {
		return errors.New("fragmented file without an init segment")
	}
	trak := findVideoTrak(file.Init.Moov)
	if trak == nil {
		return errors.New("no video track found")
	}
	s.loadTrackInfo(ctx, trak)
	trackID := trak.Tkhd.TrackID

	var trex *mp4.TrexBox
	if file.Init.Moov.Mvex != nil {
		for _, t := range file.Init.Moov.Mvex.Trexs {
			if t.TrackID == trackID {
				trex = t
				break
			}
		}
	}

	for _, seg := range file.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			hasTrack := false
			for _, traf := range frag.Moof.Trafs {
				if traf.Tfhd.TrackID == trackID {
					hasTrack = true
					break
				}
			}
			if !hasTrack {
				continue
			}

			fullSamples, err := frag.GetFullSamples(trex)
			if err != nil {
				return errors.Wrap(err, "unable to get the samples of a fragment")
			}
			for _, fs := range fullSamples {
				s.samples = append(s.samples, sample{
					Size:       uint32(len(fs.Data)),
					Data:       fs.Data,
					DecodeTime: fs.DecodeTime,
					CompOffset: fs.CompositionTimeOffset,
					IsSync:     fs.IsSync(),
				})
			}
		}
	}
	return nil
}
