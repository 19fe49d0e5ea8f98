package vpx

// isKeyframe inspects the first frame header of a packet.
func isKeyframe(codec Codec, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if codec == CodecVP9 {
		return vp9Keyframe(data)
	}
	// VP8 frame tag: bit 0 clear means key frame.
	return data[0]&0x01 == 0
}

func vp9Keyframe(data []byte) bool {
	br := bitReader{data: data}
	if br.read(2) != 2 {
		return false
	}
	profile := br.read(1) | br.read(1)<<1
	if profile == 3 {
		br.read(1)
	}
	if br.read(1) == 1 {
		// show_existing_frame
		return false
	}
	return br.read(1) == 0
}

type bitReader struct {
	data []byte
	pos  int
}

func (b *bitReader) read(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := b.pos / 8
		if byteIdx >= len(b.data) {
			return v << uint(n-i)
		}
		bit := (b.data[byteIdx] >> (7 - uint(b.pos%8))) & 1
		v = v<<1 | uint32(bit)
		b.pos++
	}
	return v
}
