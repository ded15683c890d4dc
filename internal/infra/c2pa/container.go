package c2pa

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
)

type Format string

const (
	FormatJPEG Format = "image/jpeg"
	FormatPNG  Format = "image/png"
	FormatWEBP Format = "image/webp"
)

var (
	pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

	errUnsupportedContainer = errors.New("c2pa: unsupported or malformed container")
)

// DetectFormat sniffs magic bytes, falling back to JPEG.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	case len(data) >= 8 && bytes.Equal(data[:8], pngSignature):
		return FormatPNG
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWEBP
	default:
		return FormatJPEG
	}
}

// container strips and embeds manifest stores for one image format.
type container interface {
	// extract returns the image with any manifest store removed and the
	// store itself (nil when absent).
	extract(data []byte) (clean, store []byte, err error)
	// embed inserts store into an image that carries no store.
	embed(clean, store []byte) ([]byte, error)
}

func containerFor(f Format) container {
	switch f {
	case FormatPNG:
		return pngContainer{}
	case FormatWEBP:
		return webpContainer{}
	default:
		return jpegContainer{}
	}
}

// JPEG: the store is split across APP11 segments in JPEG XT box format.
// Each segment carries CI "JP", a box instance number, a packet sequence
// number and a repeat of the superbox header.

const (
	markerSOI       = 0xD8
	markerEOI       = 0xD9
	markerSOS       = 0xDA
	markerAPP11     = 0xEB

	jpegMaxSegment  = 0xFFFF
	// length(2) + CI(2) + En(2) + Z(4)
	jpegXTOverhead  = 10
	jpegBoxInstance = 1
)

type jpegContainer struct{}

type jpegPacket struct {
	seq     uint32
	header  []byte
	payload []byte
}

func (jpegContainer) extract(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, nil, fmt.Errorf("%w: missing JPEG SOI", errUnsupportedContainer)
	}
	var clean bytes.Buffer
	clean.Write(data[:2])
	var packets []jpegPacket

	pos := 2
	for {
		if pos+2 > len(data) {
			return nil, nil, fmt.Errorf("%w: truncated JPEG", errUnsupportedContainer)
		}
		if data[pos] != 0xFF {
			return nil, nil, fmt.Errorf("%w: expected marker at %d", errUnsupportedContainer, pos)
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++
			continue
		}
		if marker == markerEOI || (marker >= 0xD0 && marker <= 0xD7) || marker == 0x01 {
			clean.Write(data[pos : pos+2])
			pos += 2
			if marker == markerEOI {
				clean.Write(data[pos:])
				break
			}
			continue
		}
		if pos+4 > len(data) {
			return nil, nil, fmt.Errorf("%w: truncated JPEG segment", errUnsupportedContainer)
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		end := pos + 2 + segLen
		if segLen < 2 || end > len(data) {
			return nil, nil, fmt.Errorf("%w: bad JPEG segment length", errUnsupportedContainer)
		}
		seg := data[pos:end]
		if marker == markerAPP11 && isJUMBFSegment(seg) {
			body := seg[4:]
			packets = append(packets, jpegPacket{
				seq:     binary.BigEndian.Uint32(body[4:8]),
				header:  body[8:16],
				payload: body[16:],
			})
			pos = end
			continue
		}
		clean.Write(seg)
		pos = end
		if marker == markerSOS {
			// entropy-coded data and everything after it is opaque
			clean.Write(data[pos:])
			break
		}
	}

	if len(packets) == 0 {
		return clean.Bytes(), nil, nil
	}
	sort.Slice(packets, func(i, j int) bool { return packets[i].seq < packets[j].seq })
	store := bytes.NewBuffer(append([]byte(nil), packets[0].header...))
	for _, p := range packets {
		store.Write(p.payload)
	}
	return clean.Bytes(), store.Bytes(), nil
}

func isJUMBFSegment(seg []byte) bool {
	// marker(2) length(2) CI(2) En(2) Z(4) LBox(4) TBox(4)
	return len(seg) >= 20 && seg[4] == 'J' && seg[5] == 'P' && string(seg[16:20]) == typeSuperbox
}

func (jpegContainer) embed(clean, store []byte) ([]byte, error) {
	if len(clean) < 2 || clean[0] != 0xFF || clean[1] != markerSOI {
		return nil, fmt.Errorf("%w: missing JPEG SOI", errUnsupportedContainer)
	}
	if len(store) < boxHeaderSize {
		return nil, errBadBox
	}
	header, payload := store[:boxHeaderSize], store[boxHeaderSize:]
	chunk := jpegMaxSegment - jpegXTOverhead - boxHeaderSize

	var out bytes.Buffer
	out.Grow(len(clean) + len(store) + (len(payload)/chunk+1)*(jpegXTOverhead+boxHeaderSize+2))
	out.Write(clean[:2])
	seq := uint32(1)
	for off := 0; off < len(payload) || seq == 1; off += chunk {
		part := payload[off:min(off+chunk, len(payload))]
		segLen := jpegXTOverhead + boxHeaderSize + len(part)
		out.Write([]byte{0xFF, markerAPP11})
		_ = binary.Write(&out, binary.BigEndian, uint16(segLen))
		out.WriteString("JP")
		_ = binary.Write(&out, binary.BigEndian, uint16(jpegBoxInstance))
		_ = binary.Write(&out, binary.BigEndian, seq)
		out.Write(header)
		out.Write(part)
		seq++
	}
	out.Write(clean[2:])
	return out.Bytes(), nil
}

// PNG: the store lives in a single caBX chunk placed after IHDR.

const pngChunkType = "caBX"

type pngContainer struct{}

type pngChunk struct {
	typ  string
	data []byte
	raw  []byte
}

func readPNGChunks(data []byte) ([]pngChunk, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], pngSignature) {
		return nil, fmt.Errorf("%w: missing PNG signature", errUnsupportedContainer)
	}
	var chunks []pngChunk
	pos := 8
	for pos < len(data) {
		if pos+12 > len(data) {
			return nil, fmt.Errorf("%w: truncated PNG chunk", errUnsupportedContainer)
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		end := pos + 12 + n
		if n < 0 || end > len(data) || end < pos {
			return nil, fmt.Errorf("%w: bad PNG chunk length", errUnsupportedContainer)
		}
		chunks = append(chunks, pngChunk{
			typ:  string(data[pos+4 : pos+8]),
			data: data[pos+8 : pos+8+n],
			raw:  data[pos:end],
		})
		pos = end
	}
	if len(chunks) == 0 || chunks[0].typ != "IHDR" {
		return nil, fmt.Errorf("%w: PNG does not start with IHDR", errUnsupportedContainer)
	}
	return chunks, nil
}

func (pngContainer) extract(data []byte) ([]byte, []byte, error) {
	chunks, err := readPNGChunks(data)
	if err != nil {
		return nil, nil, err
	}
	var clean bytes.Buffer
	clean.Write(pngSignature)
	var store []byte
	for _, c := range chunks {
		if c.typ == pngChunkType {
			if store == nil {
				store = c.data
			}
			continue
		}
		clean.Write(c.raw)
	}
	return clean.Bytes(), store, nil
}

func (pngContainer) embed(clean, store []byte) ([]byte, error) {
	chunks, err := readPNGChunks(clean)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Grow(len(clean) + len(store) + 12)
	out.Write(pngSignature)
	out.Write(chunks[0].raw)
	writePNGChunk(&out, pngChunkType, store)
	for _, c := range chunks[1:] {
		out.Write(c.raw)
	}
	return out.Bytes(), nil
}

func writePNGChunk(w *bytes.Buffer, typ string, data []byte) {
	_ = binary.Write(w, binary.BigEndian, uint32(len(data)))
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	w.WriteString(typ)
	w.Write(data)
	_ = binary.Write(w, binary.BigEndian, crc.Sum32())
}

// WEBP: the store is a "C2PA" RIFF chunk appended after the image chunks.

const webpChunkType = "C2PA"

type webpContainer struct{}

type riffChunk struct {
	fourcc string
	data   []byte
}

func readRIFFChunks(data []byte) ([]riffChunk, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, fmt.Errorf("%w: missing RIFF/WEBP header", errUnsupportedContainer)
	}
	riffSize := int(binary.LittleEndian.Uint32(data[4:8]))
	end := 8 + riffSize
	if end > len(data) || riffSize < 4 {
		return nil, fmt.Errorf("%w: bad RIFF size", errUnsupportedContainer)
	}
	var chunks []riffChunk
	pos := 12
	for pos < end {
		if pos+8 > end {
			return nil, fmt.Errorf("%w: truncated RIFF chunk", errUnsupportedContainer)
		}
		n := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		next := pos + 8 + n
		if next > end || next < pos {
			return nil, fmt.Errorf("%w: bad RIFF chunk length", errUnsupportedContainer)
		}
		chunks = append(chunks, riffChunk{fourcc: string(data[pos : pos+4]), data: data[pos+8 : next]})
		pos = next + n%2
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: empty WEBP", errUnsupportedContainer)
	}
	return chunks, nil
}

func writeRIFF(chunks []riffChunk) []byte {
	var body bytes.Buffer
	body.WriteString("WEBP")
	for _, c := range chunks {
		body.WriteString(c.fourcc)
		_ = binary.Write(&body, binary.LittleEndian, uint32(len(c.data)))
		body.Write(c.data)
		if len(c.data)%2 == 1 {
			body.WriteByte(0)
		}
	}
	out := make([]byte, 8, 8+body.Len())
	copy(out, "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(body.Len()))
	return append(out, body.Bytes()...)
}

func (webpContainer) extract(data []byte) ([]byte, []byte, error) {
	chunks, err := readRIFFChunks(data)
	if err != nil {
		return nil, nil, err
	}
	var store []byte
	kept := chunks[:0:0]
	for _, c := range chunks {
		if c.fourcc == webpChunkType {
			if store == nil {
				store = c.data
			}
			continue
		}
		kept = append(kept, c)
	}
	return writeRIFF(kept), store, nil
}

func (webpContainer) embed(clean, store []byte) ([]byte, error) {
	chunks, err := readRIFFChunks(clean)
	if err != nil {
		return nil, err
	}
	chunks = append(chunks, riffChunk{fourcc: webpChunkType, data: store})
	return writeRIFF(chunks), nil
}
