package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	"aifs.dev/engine/aifserr"
)

// DType enumerates the element types a tensor payload may carry
// (spec.md §4.3).
type DType byte

const (
	DTypeI8 DType = iota
	DTypeI16
	DTypeI32
	DTypeI64
	DTypeU8
	DTypeU16
	DTypeU32
	DTypeU64
	DTypeF16
	DTypeF32
	DTypeF64
	DTypeBool
)

// elementSize returns the per-element byte width. Bool is stored one byte
// per element (unpacked) to keep the element buffer a simple contiguous
// array addressable by shape/strides without a separate bit-unpacking step.
func elementSize(dt DType) (int, error) {
	switch dt {
	case DTypeI8, DTypeU8, DTypeBool:
		return 1, nil
	case DTypeI16, DTypeU16, DTypeF16:
		return 2, nil
	case DTypeI32, DTypeU32, DTypeF32:
		return 4, nil
	case DTypeI64, DTypeU64, DTypeF64:
		return 8, nil
	default:
		return 0, aifserr.Newf(aifserr.CodeInvalidArgument, "codec: unknown dtype %d", dt)
	}
}

// TensorHeader is the structural description of a tensor payload: its
// element type, shape, an optional explicit stride vector (row-major
// assumed when absent), an optional null bitmap, and free-form metadata.
type TensorHeader struct {
	DType      DType
	Shape      []int64
	Strides    []int64 // optional; nil means row-major contiguous
	NullBitmap []byte  // optional; one bit per element, nil means no nulls
	Metadata   map[string]string
}

const (
	tensorFieldDType      = 1
	tensorFieldShape      = 2
	tensorFieldStrides    = 3
	tensorFieldNullBitmap = 4
	tensorFieldMetadata   = 5
)

func elementCount(shape []int64) int64 {
	var n int64 = 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func encodeHeader(h TensorHeader) []byte {
	var b []byte
	b = protowire.AppendTag(b, tensorFieldDType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.DType))

	if len(h.Shape) > 0 {
		var packed []byte
		for _, d := range h.Shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, tensorFieldShape, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(h.Strides) > 0 {
		var packed []byte
		for _, s := range h.Strides {
			packed = protowire.AppendVarint(packed, uint64(s))
		}
		b = protowire.AppendTag(b, tensorFieldStrides, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(h.NullBitmap) > 0 {
		b = protowire.AppendTag(b, tensorFieldNullBitmap, protowire.BytesType)
		b = protowire.AppendBytes(b, h.NullBitmap)
	}
	for k, v := range h.Metadata {
		b = protowire.AppendTag(b, tensorFieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(k+"="+v))
	}
	return b
}

func decodeHeader(buf []byte) (TensorHeader, error) {
	var h TensorHeader
	haveDType := false
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed field tag")
		}
		buf = buf[n:]
		switch num {
		case tensorFieldDType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed dtype")
			}
			h.DType = DType(v)
			haveDType = true
			buf = buf[n:]
		case tensorFieldShape:
			packed, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed shape")
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed shape entry")
				}
				h.Shape = append(h.Shape, int64(v))
				packed = packed[m:]
			}
			buf = buf[n:]
		case tensorFieldStrides:
			packed, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed strides")
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed stride entry")
				}
				h.Strides = append(h.Strides, int64(v))
				packed = packed[m:]
			}
			buf = buf[n:]
		case tensorFieldNullBitmap:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed null_bitmap")
			}
			h.NullBitmap = append([]byte(nil), v...)
			buf = buf[n:]
		case tensorFieldMetadata:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed metadata entry")
			}
			kv := string(v)
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					if h.Metadata == nil {
						h.Metadata = make(map[string]string)
					}
					h.Metadata[kv[:i]] = kv[i+1:]
					break
				}
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: malformed unknown field")
			}
			buf = buf[n:]
		}
	}
	if !haveDType {
		return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: missing dtype field")
	}
	return h, nil
}

// EncodeTensor serializes a header and its contiguous element buffer into
// a single payload: a varint header length, the protobuf-wire-encoded
// header, then the raw element bytes.
func EncodeTensor(h TensorHeader, elements []byte) ([]byte, error) {
	size, err := elementSize(h.DType)
	if err != nil {
		return nil, err
	}
	want := elementCount(h.Shape) * int64(size)
	if want != int64(len(elements)) {
		return nil, aifserr.Newf(aifserr.CodeInvalidArgument,
			"codec: tensor: element buffer is %d bytes, shape/dtype implies %d", len(elements), want)
	}

	header := encodeHeader(h)
	out := protowire.AppendVarint(nil, uint64(len(header)))
	out = append(out, header...)
	out = append(out, elements...)
	return out, nil
}

// ValidateTensor parses and checks a tensor payload, returning the
// decoded header and a view onto the element buffer (no copy).
func ValidateTensor(data []byte) (TensorHeader, []byte, error) {
	headerLen, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return TensorHeader{}, nil, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: missing header length")
	}
	data = data[n:]
	if uint64(len(data)) < headerLen {
		return TensorHeader{}, nil, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: truncated header")
	}

	h, err := decodeHeader(data[:headerLen])
	if err != nil {
		return TensorHeader{}, nil, err
	}
	elements := data[headerLen:]

	size, err := elementSize(h.DType)
	if err != nil {
		return TensorHeader{}, nil, err
	}
	if len(h.Shape) == 0 {
		return TensorHeader{}, nil, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: empty shape")
	}
	for _, d := range h.Shape {
		if d < 0 {
			return TensorHeader{}, nil, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: negative shape dimension")
		}
	}
	want := elementCount(h.Shape) * int64(size)
	if want != int64(len(elements)) {
		return TensorHeader{}, nil, aifserr.Newf(aifserr.CodeInvalidArgument,
			"codec: tensor: element buffer is %d bytes, shape/dtype implies %d", len(elements), want)
	}
	if h.Strides != nil && len(h.Strides) != len(h.Shape) {
		return TensorHeader{}, nil, aifserr.New(aifserr.CodeInvalidArgument, "codec: tensor: strides rank mismatch")
	}
	if h.NullBitmap != nil {
		wantBytes := (elementCount(h.Shape) + 7) / 8
		if int64(len(h.NullBitmap)) != wantBytes {
			return TensorHeader{}, nil, aifserr.Newf(aifserr.CodeInvalidArgument,
				"codec: tensor: null_bitmap is %d bytes, expected %d", len(h.NullBitmap), wantBytes)
		}
	}
	return h, elements, nil
}
