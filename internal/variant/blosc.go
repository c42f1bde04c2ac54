package variant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Blosc1 frame layout, as read by c-blosc 1.x and numcodecs:
//
//	[0]     format version (2)
//	[1]     compressor version (1 for zstd)
//	[2]     flags
//	[3]     typesize
//	[4:8]   nbytes (uncompressed)
//	[8:12]  blocksize
//	[12:16] cbytes (whole frame)
//
// followed, unless memcpyed, by one int32 offset per block and then the
// blocks. Each block is a single stream (no split): an int32 compressed
// length followed by zstd data, or the raw block when the length equals
// the block size.
const (
	bloscHeaderLen  = 16
	bloscVersion    = 2
	bloscZstdVer    = 1
	bloscBlockSize  = 256 << 10
	bloscMinBuffer  = 128
	bloscMaxBuffer  = 1<<31 - 1 - bloscHeaderLen
	bloscZstdFormat = 4

	bloscFlagShuffle  = 0x01
	bloscFlagMemcpy   = 0x02
	bloscFlagBitShuf  = 0x04
	bloscFlagDontSplt = 0x10
)

var errBloscCorrupt = errors.New("blosc: corrupt frame")

type bloscCodec struct {
	enc *zstd.Encoder
}

// newBloscCodec builds a codec at blosc clevel 1..9. Blosc hands zstd
// level clevel*2-1, which is mapped onto the nearest klauspost level.
func newBloscCodec(clevel int) (*bloscCodec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(clevel*2-1)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("blosc: zstd encoder: %w", err)
	}
	return &bloscCodec{enc: enc}, nil
}

// Compress frames src with byte shuffle at the given typesize.
func (b *bloscCodec) Compress(src []byte, typesize int) ([]byte, error) {
	if typesize < 1 || typesize > 255 {
		return nil, fmt.Errorf("blosc: bad typesize %d", typesize)
	}
	if len(src) > bloscMaxBuffer {
		return nil, fmt.Errorf("blosc: input of %d bytes exceeds frame limit", len(src))
	}
	if len(src) < bloscMinBuffer {
		return bloscMemcpy(src, typesize, 0), nil
	}

	blocksize := bloscBlockSize
	if len(src) < blocksize {
		blocksize = len(src)
	}
	nblocks := (len(src) + blocksize - 1) / blocksize

	out := make([]byte, bloscHeaderLen+4*nblocks, bloscHeaderLen+4*nblocks+len(src))
	flags := byte(bloscFlagShuffle | bloscFlagDontSplt | bloscZstdFormat<<5)
	shuf := make([]byte, blocksize)

	for i := 0; i < nblocks; i++ {
		block := src[i*blocksize : min((i+1)*blocksize, len(src))]
		binary.LittleEndian.PutUint32(out[bloscHeaderLen+4*i:], uint32(len(out)))

		shuffled := shuf[:len(block)]
		byteShuffle(shuffled, block, typesize)

		payload := b.enc.EncodeAll(shuffled, nil)
		if len(payload) == 0 || len(payload) >= len(block) {
			payload = shuffled
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
		out = append(out, payload...)

		if len(out) >= len(src)+bloscHeaderLen {
			return bloscMemcpy(src, typesize, blocksize), nil
		}
	}

	writeBloscHeader(out, flags, typesize, len(src), blocksize)
	return out, nil
}

func bloscMemcpy(src []byte, typesize, blocksize int) []byte {
	if blocksize == 0 {
		blocksize = len(src)
	}
	out := make([]byte, bloscHeaderLen, bloscHeaderLen+len(src))
	out = append(out, src...)
	writeBloscHeader(out, bloscFlagMemcpy|bloscFlagShuffle|bloscFlagDontSplt|bloscZstdFormat<<5, typesize, len(src), blocksize)
	return out
}

func writeBloscHeader(out []byte, flags byte, typesize, nbytes, blocksize int) {
	out[0] = bloscVersion
	out[1] = bloscZstdVer
	out[2] = flags
	out[3] = byte(typesize)
	binary.LittleEndian.PutUint32(out[4:], uint32(nbytes))
	binary.LittleEndian.PutUint32(out[8:], uint32(blocksize))
	binary.LittleEndian.PutUint32(out[12:], uint32(len(out)))
}

var (
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
	zstdDecErr  error
)

func zstdDecoder() (*zstd.Decoder, error) {
	zstdDecOnce.Do(func() {
		zstdDec, zstdDecErr = zstd.NewReader(nil)
	})
	return zstdDec, zstdDecErr
}

// BloscDecompress reverses a zstd or memcpy blosc frame.
func BloscDecompress(frame []byte) ([]byte, error) {
	if len(frame) < bloscHeaderLen {
		return nil, errBloscCorrupt
	}
	flags := frame[2]
	typesize := int(frame[3])
	nbytes := int(binary.LittleEndian.Uint32(frame[4:]))
	blocksize := int(binary.LittleEndian.Uint32(frame[8:]))
	cbytes := int(binary.LittleEndian.Uint32(frame[12:]))
	if frame[0] != bloscVersion || cbytes != len(frame) {
		return nil, errBloscCorrupt
	}
	if flags&bloscFlagMemcpy != 0 {
		if len(frame)-bloscHeaderLen != nbytes {
			return nil, errBloscCorrupt
		}
		return append([]byte(nil), frame[bloscHeaderLen:]...), nil
	}
	if flags>>5 != bloscZstdFormat {
		return nil, fmt.Errorf("blosc: unsupported compressor format %d", flags>>5)
	}
	if flags&bloscFlagBitShuf != 0 || flags&bloscFlagDontSplt == 0 {
		return nil, fmt.Errorf("blosc: unsupported flags %#x", flags)
	}
	if nbytes == 0 {
		return []byte{}, nil
	}
	if blocksize <= 0 || typesize == 0 {
		return nil, errBloscCorrupt
	}
	dec, err := zstdDecoder()
	if err != nil {
		return nil, err
	}

	nblocks := (nbytes + blocksize - 1) / blocksize
	if len(frame) < bloscHeaderLen+4*nblocks {
		return nil, errBloscCorrupt
	}
	out := make([]byte, 0, nbytes)
	for i := 0; i < nblocks; i++ {
		bsize := min(blocksize, nbytes-i*blocksize)
		start := int(binary.LittleEndian.Uint32(frame[bloscHeaderLen+4*i:]))
		if start+4 > len(frame) {
			return nil, errBloscCorrupt
		}
		csize := int(binary.LittleEndian.Uint32(frame[start:]))
		body := frame[start+4:]
		if csize > len(body) {
			return nil, errBloscCorrupt
		}
		body = body[:csize]

		var shuffled []byte
		if csize == bsize {
			shuffled = body
		} else {
			shuffled, err = dec.DecodeAll(body, make([]byte, 0, bsize))
			if err != nil {
				return nil, fmt.Errorf("blosc: block %d: %w", i, err)
			}
			if len(shuffled) != bsize {
				return nil, fmt.Errorf("blosc: block %d: got %d bytes, want %d", i, len(shuffled), bsize)
			}
		}
		plain := make([]byte, bsize)
		if flags&bloscFlagShuffle != 0 {
			byteUnshuffle(plain, shuffled, typesize)
		} else {
			copy(plain, shuffled)
		}
		out = append(out, plain...)
	}
	return out, nil
}

// byteShuffle groups byte i of every element together, the typesize
// generalization of a 4-byte transpose. Trailing bytes that do not fill an
// element are copied unchanged.
func byteShuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[j*n+i] = src[i*typesize+j]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}

func byteUnshuffle(dst, src []byte, typesize int) {
	n := len(src) / typesize
	for i := 0; i < n; i++ {
		for j := 0; j < typesize; j++ {
			dst[i*typesize+j] = src[j*n+i]
		}
	}
	copy(dst[n*typesize:], src[n*typesize:])
}
