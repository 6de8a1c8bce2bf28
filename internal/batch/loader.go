// Package batch evaluates every controller module in a directory against
// one track and ranks the results.
package batch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/linesim/internal/robot"
)

// DefaultMaxModuleSize bounds a single module file.
const DefaultMaxModuleSize = 16 << 20

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// Entry is one controller found in the directory.
type Entry struct {
	Name     string               // File name without .wasm.
	Path     string               // Module file path.
	Module   []byte               // Module bytes.
	SHA256   string               // Hex digest of Module.
	Expected *robot.Configuration // From <name>.yaml, if present.
}

// Manifest is the optional <name>.yaml next to a module.
type Manifest struct {
	// Expected rejects the module unless setup() asks for exactly this.
	Expected *robot.Configuration `yaml:"expected"`
	// Skip leaves the module out of the batch.
	Skip bool `yaml:"skip"`
}

// LoadResult summarizes a directory load operation.
type LoadResult struct {
	Loaded  int
	Skipped int
	Errors  []LoadError
}

// LoadError records a per-file read or validation error.
type LoadError struct {
	File    string
	Message string
}

// Loader reads controller modules from a directory.
type Loader struct {
	maxSize int64
	logger  *slog.Logger
}

// NewLoader creates a Loader. maxSize <= 0 uses DefaultMaxModuleSize.
func NewLoader(maxSize int64, logger *slog.Logger) *Loader {
	if maxSize <= 0 {
		maxSize = DefaultMaxModuleSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{maxSize: maxSize, logger: logger}
}

// LoadDir reads every *.wasm file in dir, sorted by name. Files that fail
// are reported in the result and left out. Returns an error only if the
// directory itself cannot be read.
func (l *Loader) LoadDir(dir string) ([]Entry, *LoadResult, error) {
	correlationID := uuid.NewString()

	l.logger.Info("loading controller modules",
		slog.String("dir", dir),
		slog.String("correlation_id", correlationID),
	)

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading module directory %s: %w", dir, err)
	}

	result := &LoadResult{}
	var entries []Entry

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".wasm") {
			continue
		}

		path := filepath.Join(dir, de.Name())
		entry, skip, err := l.LoadFile(path)
		if err != nil {
			l.logger.Warn("module load error",
				slog.String("file", path),
				slog.String("error", err.Error()),
				slog.String("correlation_id", correlationID),
			)
			result.Errors = append(result.Errors, LoadError{File: path, Message: err.Error()})
			continue
		}
		if skip {
			result.Skipped++
			continue
		}

		l.logger.Debug("module loaded",
			slog.String("name", entry.Name),
			slog.String("sha256", entry.SHA256),
			slog.Int("bytes", len(entry.Module)),
			slog.Bool("expected", entry.Expected != nil),
			slog.String("correlation_id", correlationID),
		)
		entries = append(entries, *entry)
		result.Loaded++
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	l.logger.Info("controller modules load complete",
		slog.Int("loaded", result.Loaded),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", len(result.Errors)),
		slog.String("correlation_id", correlationID),
	)

	return entries, result, nil
}

// LoadFile reads one module and its manifest. skip reports a manifest
// with skip: true.
func (l *Loader) LoadFile(path string) (entry *Entry, skip bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	if info.Size() > l.maxSize {
		return nil, false, fmt.Errorf("module is %d bytes, limit is %d", info.Size(), l.maxSize)
	}
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("reading module: %w", err)
	}
	if !bytes.HasPrefix(module, wasmMagic) {
		return nil, false, fmt.Errorf("not a WebAssembly binary")
	}

	name := strings.TrimSuffix(filepath.Base(path), ".wasm")
	manifest, err := readManifest(strings.TrimSuffix(path, ".wasm") + ".yaml")
	if err != nil {
		return nil, false, err
	}
	if manifest.Skip {
		return nil, true, nil
	}

	sum := sha256.Sum256(module)
	return &Entry{
		Name:     name,
		Path:     path,
		Module:   module,
		SHA256:   hex.EncodeToString(sum[:]),
		Expected: manifest.Expected,
	}, false, nil
}

func readManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("reading manifest: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return m, fmt.Errorf("parsing manifest %s: %w", filepath.Base(path), err)
	}
	return m, nil
}
