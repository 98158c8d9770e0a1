package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
)

const tempPrefix = ".artifact-"

// Artifact describes an artifact file written into the cache directory.
type Artifact struct {
	Path   string
	SHA256 string
	Size   int64
}

// WriteArtifact streams r into the conventional artifact path for (name,
// version). The file appears under its final name only once fully written;
// a failed or cancelled write leaves nothing behind.
func (s *Store) WriteArtifact(ctx context.Context, name, version string, r io.Reader) (*Artifact, error) {
	if err := checkComponent("name", name); err != nil {
		return nil, err
	}
	if err := checkComponent("version", version); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()

	h := sha256.New()
	written, err := copyWithContext(ctx, io.MultiWriter(tmp, h), r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return nil, err
	}

	path := s.ArtifactPath(name, version)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	return &Artifact{
		Path:   path,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   written,
	}, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
