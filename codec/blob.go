package codec

// Blob is the identity codec: raw bytes, no framing, no validation (nil
// and empty payloads are accepted). It is the default codec for payloads with no structural
// shape (spec.md §4.3).

// EncodeBlob returns data unchanged; blobs carry no header.
func EncodeBlob(data []byte) []byte {
	return data
}

// ValidateBlob accepts any byte slice, including empty.
func ValidateBlob(data []byte) error {
	return nil
}
