package codec

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"

	"aifs.dev/engine/aifserr"
)

// ArtifactFile describes one member of an artifact archive.
type ArtifactFile struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	MIME        string `json:"mime"`
	ContentHash string `json:"content_hash"` // hex BLAKE3-256 of the file's decompressed bytes
}

// ArtifactManifest is the structural record stored alongside an
// artifact's zip payload (spec.md §4.3).
type ArtifactManifest struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Files        []ArtifactFile `json:"files"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

const artifactManifestEntry = "MANIFEST.json"

// EncodeArtifact packs a manifest and a set of named file contents into a
// zip archive. files must contain exactly the paths named in
// manifest.Files.
func EncodeArtifact(manifest ArtifactManifest, files map[string][]byte) ([]byte, error) {
	for _, f := range manifest.Files {
		content, ok := files[f.Path]
		if !ok {
			return nil, aifserr.Newf(aifserr.CodeInvalidArgument, "codec: artifact: missing file content for %q", f.Path)
		}
		if int64(len(content)) != f.Size {
			return nil, aifserr.Newf(aifserr.CodeInvalidArgument,
				"codec: artifact: file %q is %d bytes, manifest declares %d", f.Path, len(content), f.Size)
		}
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mw, err := zw.Create(artifactManifestEntry)
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	if _, err := mw.Write(manifestBytes); err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}

	for _, f := range manifest.Files {
		fw, err := zw.Create(f.Path)
		if err != nil {
			return nil, aifserr.Wrap(aifserr.CodeInternal, err)
		}
		if _, err := fw.Write(files[f.Path]); err != nil {
			return nil, aifserr.Wrap(aifserr.CodeInternal, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	return buf.Bytes(), nil
}

// ValidateArtifact opens the zip payload, reads its manifest, and checks
// that every declared file is present with the declared size. It does not
// decompress file contents beyond the manifest entry itself, so callers
// can list an artifact's contents cheaply before fetching any one file.
func ValidateArtifact(data []byte) (ArtifactManifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ArtifactManifest{}, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	mf, ok := byName[artifactManifestEntry]
	if !ok {
		return ArtifactManifest{}, aifserr.New(aifserr.CodeInvalidArgument, "codec: artifact: missing MANIFEST.json")
	}
	rc, err := mf.Open()
	if err != nil {
		return ArtifactManifest{}, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}
	manifestBytes, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return ArtifactManifest{}, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}

	var manifest ArtifactManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return ArtifactManifest{}, aifserr.Newf(aifserr.CodeInvalidArgument, "codec: artifact: malformed manifest: %v", err)
	}
	if manifest.Name == "" {
		return ArtifactManifest{}, aifserr.New(aifserr.CodeInvalidArgument, "codec: artifact: manifest missing name")
	}

	for _, f := range manifest.Files {
		zf, ok := byName[f.Path]
		if !ok {
			return ArtifactManifest{}, aifserr.Newf(aifserr.CodeInvalidArgument, "codec: artifact: manifest references missing file %q", f.Path)
		}
		if int64(zf.UncompressedSize64) != f.Size {
			return ArtifactManifest{}, aifserr.Newf(aifserr.CodeInvalidArgument,
				"codec: artifact: file %q is %d bytes in archive, manifest declares %d", f.Path, zf.UncompressedSize64, f.Size)
		}
	}
	return manifest, nil
}

// OpenArtifactFile decompresses and returns a single file's contents from
// an artifact payload, without touching any other entry.
func OpenArtifactFile(data []byte, path string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}
	for _, f := range zr.File {
		if f.Name != path {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, aifserr.Newf(aifserr.CodeNotFound, "codec: artifact: no such file %q", path)
}
