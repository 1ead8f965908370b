package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"trainkeeper/internal/model"
)

// StoreConfig configures a Store. RunID and Host are stamped on every
// record written.
type StoreConfig struct {
	BackupDir string
	Codec     Codec
	RunID     string
	Host      string
	Now       func() time.Time
}

// Store writes checkpoints for one training run. The first save to a given
// canonical path rotates the file already there into the backup directory;
// later saves overwrite in place. A single writer per path is assumed:
// two processes sharing a canonical path race on the backup numbering.
type Store struct {
	cfg StoreConfig

	mu      sync.Mutex
	rotated map[string]string
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.Codec == nil {
		cfg.Codec = ProtoCodec{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{cfg: cfg, rotated: make(map[string]string)}
}

func (s *Store) Codec() Codec { return s.cfg.Codec }

// Save persists m at canonicalPath.
func (s *Store) Save(m model.Model, canonicalPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := filepath.Clean(canonicalPath)
	if _, done := s.rotated[key]; !done {
		backup, _, err := Rotate(canonicalPath, s.backupDir(canonicalPath))
		if err != nil {
			return fmt.Errorf("rotate %s: %w", canonicalPath, err)
		}
		s.rotated[key] = backup
	}

	record := NewRecord(m)
	record.RunID = s.cfg.RunID
	record.Host = s.cfg.Host
	record.SavedAtUTC = s.cfg.Now().UTC().Format(time.RFC3339)
	data, err := s.cfg.Codec.Encode(record)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := writeFileAtomic(canonicalPath, data); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", canonicalPath, err)
	}
	return nil
}

// BackupOf returns the backup path created for canonicalPath in this run,
// or "" when nothing was rotated.
func (s *Store) BackupOf(canonicalPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotated[filepath.Clean(canonicalPath)]
}

// Load reads the model stored at path with the store's codec.
func (s *Store) Load(path string) (model.Model, error) {
	record, err := LoadRecord(path, s.cfg.Codec)
	if err != nil {
		return model.Model{}, err
	}
	return record.Model(), nil
}

func (s *Store) backupDir(canonicalPath string) string {
	if s.cfg.BackupDir != "" {
		return s.cfg.BackupDir
	}
	return filepath.Join(filepath.Dir(canonicalPath), "backups")
}

// LoadRecord decodes the checkpoint at path. A missing file yields an
// error matching ErrNotFound.
func LoadRecord(path string, codec Codec) (Record, error) {
	if codec == nil {
		codec = CodecFor(filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Record{}, err
	}
	record, err := codec.Decode(data)
	if err != nil {
		return Record{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return record, nil
}

// Rotate copies an existing file at canonicalPath to the next free backup
// slot in backupDir. It reports false when there was nothing to rotate.
func Rotate(canonicalPath, backupDir string) (string, bool, error) {
	if _, err := os.Stat(canonicalPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", false, err
	}
	backup, err := NextBackupPath(backupDir, canonicalPath)
	if err != nil {
		return "", false, err
	}
	if err := copyFile(canonicalPath, backup); err != nil {
		return "", false, err
	}
	return backup, true, nil
}

// NextBackupPath returns <backupDir>/<stem>-<N><ext> for the smallest
// positive N not yet taken.
func NextBackupPath(backupDir, canonicalPath string) (string, error) {
	stem, ext := SplitName(canonicalPath)
	for n := 1; ; n++ {
		candidate := filepath.Join(backupDir, fmt.Sprintf("%s-%d%s", stem, n, ext))
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// SplitName splits the base name of path into stem and extension, the
// extension keeping its leading dot.
func SplitName(path string) (stem, ext string) {
	base := filepath.Base(path)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}
