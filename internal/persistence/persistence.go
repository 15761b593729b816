// Package persistence implements the directory-based JSON storage
// layer: one logical document per file, a versioned envelope, and
// corrupt-input quarantine.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/errs"
	"github.com/sniffler/sniffler-core/internal/model"
)

const envelopeVersion = "1.0"

// Envelope is the on-disk wrapper every JSON file carries
//: {version, lastUpdated, items}.
type Envelope struct {
	Version     string          `json:"version"`
	LastUpdated string          `json:"lastUpdated"`
	Items       json.RawMessage `json:"items"`
}

// Store serializes all reads/writes to the data root, one mutex per
// file path.
type Store struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Store rooted at <root>/sniffler-data.
func New(root string, logger *zap.Logger) *Store {
	return &Store{
		root:   filepath.Join(root, "sniffler-data"),
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Path resolves a relative path beneath the data root.
func (s *Store) Path(rel string) string {
	return filepath.Join(s.root, rel)
}

// Load decodes the item list from rel into out (a pointer to a
// slice). A legacy bare-array file is upgraded in memory. A missing
// file yields an empty out and no error. A corrupt file is quarantined
// by rename to "<name>.backup-<epoch-ms>" and out is left empty,
// mirroring the "loader returns empty list" recovery behavior.
func (s *Store) Load(rel string, out any, nowEpochMs int64) error {
	path := s.Path(rel)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindPersistence, fmt.Sprintf("read %s", rel), err)
	}

	if len(data) == 0 {
		return nil
	}

	// Try the current envelope form first.
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Items) > 0 {
		if err := json.Unmarshal(env.Items, out); err == nil {
			return nil
		}
	}

	// Fall back to the legacy bare-array form.
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}

	// Corrupt: quarantine and start fresh.
	backupPath := fmt.Sprintf("%s.backup-%d", path, nowEpochMs)
	if renameErr := os.Rename(path, backupPath); renameErr != nil {
		s.logger.Warn("failed to quarantine corrupt persistence file", zap.String("path", path), zap.Error(renameErr))
	}
	s.logger.Warn("quarantined corrupt persistence file", zap.String("path", path), zap.String("backup", backupPath))
	return errs.Wrap(errs.KindPersistence, fmt.Sprintf("corrupt file %s", rel), fmt.Errorf("json decode failed"))
}

// Save idempotently overwrites rel with items wrapped in the current
// envelope. The parent directory is created if needed.
func (s *Store) Save(rel string, items any, lastUpdated string) error {
	path := s.Path(rel)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return errs.Wrap(errs.KindPersistence, fmt.Sprintf("marshal %s", rel), err)
	}
	env := Envelope{Version: envelopeVersion, LastUpdated: lastUpdated, Items: itemsJSON}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindPersistence, fmt.Sprintf("marshal envelope %s", rel), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindPersistence, fmt.Sprintf("mkdir for %s", rel), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindPersistence, fmt.Sprintf("write %s", rel), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindPersistence, fmt.Sprintf("rename into place %s", rel), err)
	}
	return nil
}

// SanitizeName maps an arbitrary database/system name to a safe file
// name fragment.
func SanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "default"
	}
	return string(out)
}

// FileSet names the files one listener's state is persisted to.
type FileSet struct {
	Proxies  string
	Mocks    string
	Requests string
}

// FilesFor resolves where a listener's configuration, mocks, and
// request history live on disk: outgoing listeners under outgoing/
// (mocks coalesced into one file, history keyed by the system they
// front), database protocols under database/, plain HTTP listeners in
// the top-level layout.
func FilesFor(l model.Listener) FileSet {
	switch {
	case l.Outgoing:
		return FileSet{
			Proxies:  Paths.OutgoingProxies,
			Mocks:    Paths.OutgoingMocks,
			Requests: Paths.OutgoingRequests(SystemID(l)),
		}
	case l.Protocol.Database():
		return FileSet{
			Proxies:  Paths.DatabaseProxies,
			Mocks:    Paths.DatabaseMocks(databaseName(l)),
			Requests: Paths.DatabaseRequests(l.Port),
		}
	default:
		return FileSet{
			Proxies:  Paths.Proxies,
			Mocks:    Paths.MocksForPort(l.Port),
			Requests: Paths.RequestsForPort(l.Port),
		}
	}
}

// SystemID derives the stable identifier of the external system an
// outgoing listener fronts, used to key outgoing/requests files and
// systems.json entries.
func SystemID(l model.Listener) string {
	return SanitizeName(fmt.Sprintf("%s-%d", l.UpstreamHost, l.UpstreamPort))
}

func databaseName(l model.Listener) string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("%s-%d", l.Protocol, l.Port)
}

// Paths enumerates the file layout beneath the data root.
var Paths = struct {
	Proxies           string
	Settings          string
	MocksForPort       func(port int) string
	RequestsForPort     func(port int) string
	OutgoingProxies    string
	OutgoingSystems    string
	OutgoingRequests   func(systemID string) string
	OutgoingMocks      string
	DatabaseProxies    string
	DatabaseRequests   func(port int) string
	DatabaseMocks      func(dbName string) string
	DatabaseMocksAll   string
}{
	Proxies:  "proxies.json",
	Settings: "settings.json",
	MocksForPort: func(port int) string {
		return filepath.Join("mocks", fmt.Sprintf("mocks-%d.json", port))
	},
	RequestsForPort: func(port int) string {
		return filepath.Join("requests", fmt.Sprintf("requests-%d.json", port))
	},
	OutgoingProxies: filepath.Join("outgoing", "proxies.json"),
	OutgoingSystems: filepath.Join("outgoing", "systems.json"),
	OutgoingRequests: func(systemID string) string {
		return filepath.Join("outgoing", "requests", systemID+".json")
	},
	OutgoingMocks: filepath.Join("outgoing", "mocks", "outgoing-mocks.json"),
	DatabaseProxies: filepath.Join("database", "proxies.json"),
	DatabaseRequests: func(port int) string {
		return filepath.Join("database", "requests", fmt.Sprintf("database-requests-%d.json", port))
	},
	DatabaseMocks: func(dbName string) string {
		return filepath.Join("database", "mocks", SanitizeName(dbName)+"-mocks.json")
	},
	DatabaseMocksAll: filepath.Join("database", "mocks", "database-mocks.json"),
}
