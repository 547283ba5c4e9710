package codec

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"aifs.dev/engine/aifserr"
)

// EmbedHeader describes a fixed-dimension embedding vector (spec.md §4.3):
// a model identity, its declared dimension, the distance metric it was
// produced for, and free-form parameters.
type EmbedHeader struct {
	ModelName      string
	Dimension      int
	DistanceMetric string
	Parameters     map[string]string
}

const (
	embedFieldModelName      = 1
	embedFieldDimension      = 2
	embedFieldDistanceMetric = 3
	embedFieldParameters     = 4
)

func encodeEmbedHeader(h EmbedHeader) []byte {
	var b []byte
	b = protowire.AppendTag(b, embedFieldModelName, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(h.ModelName))
	b = protowire.AppendTag(b, embedFieldDimension, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Dimension))
	b = protowire.AppendTag(b, embedFieldDistanceMetric, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(h.DistanceMetric))
	for k, v := range h.Parameters {
		b = protowire.AppendTag(b, embedFieldParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(k+"="+v))
	}
	return b
}

func decodeEmbedHeader(buf []byte) (EmbedHeader, error) {
	var h EmbedHeader
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: malformed field tag")
		}
		buf = buf[n:]
		switch num {
		case embedFieldModelName:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: malformed model_name")
			}
			h.ModelName = string(v)
			buf = buf[n:]
		case embedFieldDimension:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: malformed dimension")
			}
			h.Dimension = int(v)
			buf = buf[n:]
		case embedFieldDistanceMetric:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: malformed distance_metric")
			}
			h.DistanceMetric = string(v)
			buf = buf[n:]
		case embedFieldParameters:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: malformed parameters entry")
			}
			kv := string(v)
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					if h.Parameters == nil {
						h.Parameters = make(map[string]string)
					}
					h.Parameters[kv[:i]] = kv[i+1:]
					break
				}
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return h, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: malformed unknown field")
			}
			buf = buf[n:]
		}
	}
	return h, nil
}

var validDistanceMetrics = map[string]bool{
	"cosine": true, "euclidean": true, "dot": true, "manhattan": true, "hamming": true,
}

// EncodeEmbed serializes a header and an f32 vector into a single payload.
// len(vector) must equal h.Dimension (spec.md §4.3 invariant).
func EncodeEmbed(h EmbedHeader, vector []float32) ([]byte, error) {
	if h.Dimension != len(vector) {
		return nil, aifserr.Newf(aifserr.CodeInvalidArgument,
			"codec: embed: dimension %d does not match vector length %d", h.Dimension, len(vector))
	}
	if !validDistanceMetrics[h.DistanceMetric] {
		return nil, aifserr.Newf(aifserr.CodeInvalidArgument, "codec: embed: unknown distance_metric %q", h.DistanceMetric)
	}

	header := encodeEmbedHeader(h)
	out := protowire.AppendVarint(nil, uint64(len(header)))
	out = append(out, header...)
	for _, f := range vector {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		out = append(out, buf[:]...)
	}
	return out, nil
}

// ValidateEmbed parses and checks an embed payload, returning the decoded
// header and vector.
func ValidateEmbed(data []byte) (EmbedHeader, []float32, error) {
	headerLen, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return EmbedHeader{}, nil, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: missing header length")
	}
	data = data[n:]
	if uint64(len(data)) < headerLen {
		return EmbedHeader{}, nil, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: truncated header")
	}

	h, err := decodeEmbedHeader(data[:headerLen])
	if err != nil {
		return EmbedHeader{}, nil, err
	}
	raw := data[headerLen:]

	if h.Dimension <= 0 {
		return EmbedHeader{}, nil, aifserr.New(aifserr.CodeInvalidArgument, "codec: embed: dimension must be positive")
	}
	if !validDistanceMetrics[h.DistanceMetric] {
		return EmbedHeader{}, nil, aifserr.Newf(aifserr.CodeInvalidArgument, "codec: embed: unknown distance_metric %q", h.DistanceMetric)
	}
	if len(raw) != h.Dimension*4 {
		return EmbedHeader{}, nil, aifserr.Newf(aifserr.CodeInvalidArgument,
			"codec: embed: vector buffer is %d bytes, dimension %d implies %d", len(raw), h.Dimension, h.Dimension*4)
	}

	vector := make([]float32, h.Dimension)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	return h, vector, nil
}
