// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config reads cgbk's settings from a YAML file, with a few
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mmp/genbk/backup"
	"github.com/mmp/genbk/diff"
	"github.com/mmp/genbk/errs"
	"github.com/mmp/genbk/mirror"
	"github.com/mmp/genbk/rdso"
	"gopkg.in/yaml.v3"
)

// Environment variables.
const (
	EnvConfig      = "CGBK_CONFIG"
	EnvThreshold   = "CGBK_THRESHOLD"
	EnvDir         = "CGBK_DIR"
	EnvCompression = "CGBK_COMPRESSION"
)

// Settings is a complete configuration. It holds no references, so a
// copy is never affected by later changes to the Store it came from.
type Settings struct {
	Threshold   float64 `yaml:"threshold"`
	Compression string  `yaml:"compression"`
	Algo        string  `yaml:"algo"`
	TempDir     string  `yaml:"temp_dir"`
	// BackupDir is the backup root, or a generation directory to write
	// into directly; empty selects a root next to the working file.
	BackupDir string `yaml:"backup_dir"`
	DiffTool  string `yaml:"diff_tool"`
	PatchTool string `yaml:"patch_tool"`

	Parity Parity `yaml:"parity"`
	Mirror Mirror `yaml:"mirror"`
	Watch  Watch  `yaml:"watch"`
}

type Parity struct {
	Enabled      bool  `yaml:"enabled"`
	DataShards   int   `yaml:"data_shards"`
	ParityShards int   `yaml:"parity_shards"`
	HashRate     int64 `yaml:"hash_rate"`
}

type Mirror struct {
	// none, disk or gcs.
	Kind                    string `yaml:"kind"`
	Dir                     string `yaml:"dir"`
	Bucket                  string `yaml:"bucket"`
	Project                 string `yaml:"project"`
	Location                string `yaml:"location"`
	MaxUploadBytesPerSecond int    `yaml:"max_upload_bytes_per_second"`
}

type Watch struct {
	// Debounce is how long a file must be quiet after a write before
	// it's backed up.
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the settings used when there's no configuration file.
func Default() Settings {
	return Settings{
		Threshold:   backup.DefaultThreshold,
		Compression: diff.DefaultCompression,
		Algo:        diff.Algo,
		DiffTool:    diff.DefaultDiffProgram,
		PatchTool:   diff.DefaultPatchProgram,
		Parity: Parity{
			DataShards:   rdso.DefaultParams.DataShards,
			ParityShards: rdso.DefaultParams.ParityShards,
			HashRate:     rdso.DefaultParams.HashRate,
		},
		Mirror: Mirror{Kind: "none"},
		Watch:  Watch{Debounce: 2 * time.Second},
	}
}

// Path returns the configuration file to use: flagPath if it's set, then
// $CGBK_CONFIG, then ~/.config/cgbk/config.yaml.
func Path(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cgbk", "config.yaml")
}

// Load reads the settings from path, which may be empty or name a file
// that doesn't exist, and applies the environment overrides.
func Load(path string) (Settings, error) {
	s, err := read(path)
	if err != nil {
		return Settings{}, err
	}
	if err := s.applyEnv(os.Getenv); err != nil {
		return Settings{}, err
	}
	return s, s.normalize()
}

func read(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return Settings{}, errs.IO("read", path, err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (s *Settings) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvThreshold); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvThreshold, err)
		}
		s.Threshold = t
	}
	if v := getenv(EnvDir); v != "" {
		s.BackupDir = v
	}
	if v := getenv(EnvCompression); v != "" {
		s.Compression = v
	}
	return nil
}

// normalize fills in defaults for unset or out-of-range values and
// rejects settings that can't work.
func (s *Settings) normalize() error {
	d := Default()
	s.Threshold = backup.EffectiveThreshold(s.Threshold)
	s.Compression = diff.NormalizeCompression(s.Compression)
	if s.Algo == "" {
		s.Algo = d.Algo
	}
	if s.DiffTool == "" {
		s.DiffTool = d.DiffTool
	}
	if s.PatchTool == "" {
		s.PatchTool = d.PatchTool
	}
	if s.Parity.DataShards <= 0 {
		s.Parity.DataShards = d.Parity.DataShards
	}
	if s.Parity.ParityShards <= 0 {
		s.Parity.ParityShards = d.Parity.ParityShards
	}
	if s.Parity.HashRate <= 0 {
		s.Parity.HashRate = d.Parity.HashRate
	}
	if s.Watch.Debounce <= 0 {
		s.Watch.Debounce = d.Watch.Debounce
	}

	switch s.Mirror.Kind {
	case "", "none":
		s.Mirror.Kind = "none"
	case "disk":
		if s.Mirror.Dir == "" {
			return errors.New("mirror: disk mirror requires dir")
		}
	case "gcs":
		if s.Mirror.Bucket == "" || s.Mirror.Project == "" {
			return errors.New("mirror: gcs mirror requires bucket and project")
		}
	default:
		return fmt.Errorf("mirror: unknown kind %q", s.Mirror.Kind)
	}
	return nil
}

// BackupOptions returns the per-operation options for a backup.
func (s Settings) BackupOptions() backup.Options {
	return backup.Options{Threshold: s.Threshold, TempDir: s.TempDir}
}

// ParityParams returns the parity parameters, or nil if parity is off.
func (s Settings) ParityParams() *rdso.Params {
	if !s.Parity.Enabled {
		return nil
	}
	return &rdso.Params{
		DataShards:   s.Parity.DataShards,
		ParityShards: s.Parity.ParityShards,
		HashRate:     s.Parity.HashRate,
	}
}

func (s Settings) MirrorOptions() mirror.Options {
	m := s.Mirror
	return mirror.Options{
		Kind:                    m.Kind,
		Dir:                     m.Dir,
		Bucket:                  m.Bucket,
		Project:                 m.Project,
		Location:                m.Location,
		MaxUploadBytesPerSecond: m.MaxUploadBytesPerSecond,
	}
}

// Tool returns the diff engine the settings name.
func (s Settings) Tool() *diff.Tool {
	return diff.NewTool(s.DiffTool, s.PatchTool)
}

///////////////////////////////////////////////////////////////////////////
// Store

// Store holds the current settings for a long-running command and
// reloads them on request.
type Store struct {
	path string

	mu sync.Mutex
	s  Settings
}

// NewStore loads the settings at path.
func NewStore(path string) (*Store, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, s: s}, nil
}

func (st *Store) Path() string {
	return st.path
}

// Get returns a snapshot of the current settings.
func (st *Store) Get() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

// Set replaces the current settings.
func (st *Store) Set(s Settings) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = s
}

// Reload rereads the file. If it can't be loaded, the current settings
// are kept and the error returned.
func (st *Store) Reload() error {
	s, err := Load(st.path)
	if err != nil {
		return err
	}
	st.Set(s)
	return nil
}
