package c2pa

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// JUMBF (ISO/IEC 19566-5) box primitives. Every box is a 4 byte big-endian
// length followed by a 4 byte type and the payload; superboxes ("jumb")
// open with a description box ("jumd") that carries a content type UUID and
// a label.

const (
	boxHeaderSize = 8

	typeSuperbox    = "jumb"
	typeDescription = "jumd"
	typeCBOR        = "cbor"
	typeJSON        = "json"

	// toggles: requestable | label present
	descriptionToggles = 0x03
)

// ISO base UUID suffix shared by all C2PA content types.
var c2paUUIDSuffix = [12]byte{0x00, 0x11, 0x00, 0x10, 0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}

func contentUUID(fourcc string) [16]byte {
	var u [16]byte
	copy(u[:4], fourcc)
	copy(u[4:], c2paUUIDSuffix[:])
	return u
}

var (
	uuidManifestStore  = contentUUID("c2pa")
	uuidManifest       = contentUUID("c2ma")
	uuidAssertionStore = contentUUID("c2as")
	uuidClaim          = contentUUID("c2cl")
	uuidSignature      = contentUUID("c2cs")
	uuidCBOR           = contentUUID("cbor")
	uuidJSON           = contentUUID("json")
)

var errBadBox = errors.New("c2pa: malformed jumbf box")

type box struct {
	Type string
	Data []byte
}

func (b box) bytes() []byte {
	out := make([]byte, boxHeaderSize+len(b.Data))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(out)))
	copy(out[4:8], b.Type)
	copy(out[8:], b.Data)
	return out
}

// superbox is a labelled container of child boxes.
type superbox struct {
	UUID     [16]byte
	Label    string
	Children []box
}

func (s superbox) box() box {
	var buf bytes.Buffer
	desc := make([]byte, 0, 16+1+len(s.Label)+1)
	desc = append(desc, s.UUID[:]...)
	desc = append(desc, descriptionToggles)
	desc = append(desc, s.Label...)
	desc = append(desc, 0)
	buf.Write(box{Type: typeDescription, Data: desc}.bytes())
	for _, c := range s.Children {
		buf.Write(c.bytes())
	}
	return box{Type: typeSuperbox, Data: buf.Bytes()}
}

func (s superbox) bytes() []byte {
	return s.box().bytes()
}

// child returns the first child superbox carrying label.
func (s superbox) child(label string) (superbox, bool) {
	for _, c := range s.Children {
		if c.Type != typeSuperbox {
			continue
		}
		sb, err := parseSuperboxPayload(c.Data)
		if err != nil {
			continue
		}
		if sb.Label == label {
			return sb, true
		}
	}
	return superbox{}, false
}

// superboxes returns every child superbox in order.
func (s superbox) superboxes() []superbox {
	var out []superbox
	for _, c := range s.Children {
		if c.Type != typeSuperbox {
			continue
		}
		if sb, err := parseSuperboxPayload(c.Data); err == nil {
			out = append(out, sb)
		}
	}
	return out
}

// content returns the payload of the first non-description child box.
func (s superbox) content() (box, bool) {
	for _, c := range s.Children {
		if c.Type != typeSuperbox {
			return c, true
		}
	}
	return box{}, false
}

func parseBoxes(data []byte) ([]box, error) {
	var out []box
	for len(data) > 0 {
		if len(data) < boxHeaderSize {
			return nil, errBadBox
		}
		size := int(binary.BigEndian.Uint32(data[0:4]))
		if size < boxHeaderSize || size > len(data) {
			return nil, fmt.Errorf("%w: size %d", errBadBox, size)
		}
		out = append(out, box{Type: string(data[4:8]), Data: data[boxHeaderSize:size]})
		data = data[size:]
	}
	return out, nil
}

func parseSuperbox(data []byte) (superbox, error) {
	boxes, err := parseBoxes(data)
	if err != nil {
		return superbox{}, err
	}
	if len(boxes) != 1 || boxes[0].Type != typeSuperbox {
		return superbox{}, fmt.Errorf("%w: expected a single superbox", errBadBox)
	}
	return parseSuperboxPayload(boxes[0].Data)
}

func parseSuperboxPayload(payload []byte) (superbox, error) {
	boxes, err := parseBoxes(payload)
	if err != nil {
		return superbox{}, err
	}
	if len(boxes) == 0 || boxes[0].Type != typeDescription {
		return superbox{}, fmt.Errorf("%w: missing description", errBadBox)
	}
	desc := boxes[0].Data
	if len(desc) < 17 {
		return superbox{}, fmt.Errorf("%w: short description", errBadBox)
	}
	sb := superbox{Children: boxes[1:]}
	copy(sb.UUID[:], desc[:16])
	if desc[16]&0x02 != 0 {
		rest := desc[17:]
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return superbox{}, fmt.Errorf("%w: unterminated label", errBadBox)
		}
		sb.Label = string(rest[:end])
	}
	return sb, nil
}

func cborContentBox(label string, payload []byte) superbox {
	return superbox{UUID: uuidCBOR, Label: label, Children: []box{{Type: typeCBOR, Data: payload}}}
}

func jsonContentBox(label string, payload []byte) superbox {
	return superbox{UUID: uuidJSON, Label: label, Children: []box{{Type: typeJSON, Data: payload}}}
}
