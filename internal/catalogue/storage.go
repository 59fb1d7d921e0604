package catalogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/fileutil"
)

// Storage loads and saves the catalogue document.
type Storage interface {
	Load() (*Document, error)
	Save(doc *Document) error
}

// DefaultKeepBackups is how many timestamped backups JSONFile retains.
const DefaultKeepBackups = 10

// JSONFile stores the document as indented JSON, replaced atomically on
// every save.
type JSONFile struct {
	Path string
	// BackupDir defaults to "backups" next to Path.
	BackupDir string
	// KeepBackups defaults to DefaultKeepBackups.
	KeepBackups int
}

// Load reads the document. A missing file is an empty catalogue. Sessions
// of an unknown type are skipped with a warning.
func (f *JSONFile) Load() (*Document, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalogue: read %s: %w", f.Path, err)
	}

	var raw struct {
		Groups   []Group           `json:"groups"`
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("catalogue: parse %s: %w", f.Path, err)
	}

	doc := &Document{Groups: raw.Groups}
	for _, msg := range raw.Sessions {
		var s Session
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, fmt.Errorf("catalogue: parse session: %w", err)
		}
		if !s.Type.Supported() {
			log.Warn().Str("id", s.ID).Str("session_type", string(s.Type)).Msg("skipping unsupported session type")
			continue
		}
		doc.Sessions = append(doc.Sessions, s)
	}
	return doc, nil
}

func (f *JSONFile) Save(doc *Document) error {
	out := *doc
	if out.Groups == nil {
		out.Groups = []Group{}
	}
	if out.Sessions == nil {
		out.Sessions = []Session{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("catalogue: encode: %w", err)
	}
	if err := fileutil.WriteFileAtomic(f.Path, data, 0o600); err != nil {
		return fmt.Errorf("catalogue: write %s: %w", f.Path, err)
	}
	return nil
}

func (f *JSONFile) backupDir() string {
	if f.BackupDir != "" {
		return f.BackupDir
	}
	return filepath.Join(filepath.Dir(f.Path), "backups")
}

// Backup copies the current file to a timestamped file in the backup
// directory and prunes the oldest backups beyond KeepBackups.
func (f *JSONFile) Backup() (string, error) {
	if _, err := os.Stat(f.Path); err != nil {
		return "", fmt.Errorf("catalogue: backup: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
	name := fmt.Sprintf("%s-%s.json", base, time.Now().UTC().Format("20060102T150405.000000000"))
	dst := filepath.Join(f.backupDir(), name)
	if err := fileutil.CopyFile(f.Path, dst, 0o600); err != nil {
		return "", fmt.Errorf("catalogue: backup: %w", err)
	}
	log.Info().Str("path", dst).Msg("catalogue backup created")

	keep := f.KeepBackups
	if keep <= 0 {
		keep = DefaultKeepBackups
	}
	if err := f.prune(base, keep); err != nil {
		log.Warn().Err(err).Msg("pruning catalogue backups")
	}
	return dst, nil
}

func (f *JSONFile) prune(base string, keep int) error {
	entries, err := os.ReadDir(f.backupDir())
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base+"-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	// timestamps sort lexically
	sort.Strings(names)
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(f.backupDir(), n)); err != nil {
			return err
		}
	}
	return nil
}

// MemoryStorage keeps the document in memory. Save can be made to fail.
type MemoryStorage struct {
	Doc     Document
	SaveErr error
	Saves   int
}

func (m *MemoryStorage) Load() (*Document, error) {
	d := m.Doc
	return &d, nil
}

func (m *MemoryStorage) Save(doc *Document) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Doc = *doc
	m.Saves++
	return nil
}

var (
	_ Storage = (*JSONFile)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
