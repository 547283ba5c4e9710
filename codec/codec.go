// Package codec implements the four asset payload encodings from
// spec.md §4.3: blob, tensor, embed, artifact. Each encoding has an
// Encode function and a Validate function that rejects malformed bytes
// before the asset manager ever hands them to the chunk store.
package codec

import (
	"aifs.dev/engine/aifserr"
)

// Kind identifies which of the four codecs produced a payload.
type Kind byte

const (
	KindBlob Kind = iota
	KindTensor
	KindEmbed
	KindArtifact
)

func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindTensor:
		return "tensor"
	case KindEmbed:
		return "embed"
	case KindArtifact:
		return "artifact"
	default:
		return "unknown"
	}
}

// ParseKind maps a stored codec byte back to a Kind, rejecting anything
// outside the known set.
func ParseKind(b byte) (Kind, error) {
	k := Kind(b)
	switch k {
	case KindBlob, KindTensor, KindEmbed, KindArtifact:
		return k, nil
	default:
		return 0, aifserr.Newf(aifserr.CodeInvalidArgument, "codec: unknown kind byte %d", b)
	}
}
