package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"tilewars.ai/internal/persistence/indexdb"
)

// ErrNotVerified is returned for records whose checksums did not verify.
var ErrNotVerified = errors.New("archive: replay not verified")

// Ext is the file extension of archived replays.
const Ext = ".twr"

// ObjectKey is the content-addressed, slash-separated key for a verified
// replay: <topology>/<checksum_header>.twr. The header checksum covers the
// init-sequence and frames checksums, so equal keys mean equal files.
func ObjectKey(rec indexdb.ReplayRecord) (string, error) {
	if rec.Status != indexdb.StatusOK {
		return "", fmt.Errorf("%w: %s status=%s", ErrNotVerified, rec.Path, rec.Status)
	}
	if rec.Topology == "" || rec.ChecksumHeader == "" {
		return "", fmt.Errorf("archive: record %s lacks topology or checksum", rec.Path)
	}
	return path.Join(rec.Topology, rec.ChecksumHeader+Ext), nil
}

// Meta is written next to every archived replay.
type Meta struct {
	Source string               `json:"source"`
	Key    string               `json:"key"`
	Record indexdb.ReplayRecord `json:"record"`
}

// Store copies the replay described by rec into dir under its ObjectKey
// with a sibling .json metadata file. A replay already present with the
// same size is left untouched and stored reports false.
func Store(dir string, rec indexdb.ReplayRecord) (dst string, stored bool, err error) {
	key, err := ObjectKey(rec)
	if err != nil {
		return "", false, err
	}
	dst = filepath.Join(dir, filepath.FromSlash(key))
	if st, err := os.Stat(dst); err == nil && st.Size() == rec.Size {
		return dst, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", false, err
	}
	if err := copyFile(rec.Path, dst); err != nil {
		return "", false, err
	}

	meta := Meta{Source: rec.Path, Key: key, Record: rec}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", false, err
	}
	metaPath := dst[:len(dst)-len(Ext)] + ".json"
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return "", false, err
	}
	return dst, true, nil
}

// copyFile writes through a temp file so a partial copy never carries the
// final name.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
