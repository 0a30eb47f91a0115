package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	constitutionFile = "constitution.json"
	indexFile        = "index.json"
	decisionsFile    = "decisions.json"
)

// Constitution captures the durable project charter. It is written once at
// workspace creation and changed only through explicit amendments.
type Constitution struct {
	Goal              string   `json:"goal"`
	TechStack         []string `json:"tech_stack"`
	ArchitectureStyle string   `json:"architecture_style"`
	Deployment        string   `json:"deployment"`
	Constraints       []string `json:"constraints"`
}

// IndexEntry is the per-file semantic summary. ContentHash drives lazy
// recomputation: an entry is refreshed only when the file's hash changes.
type IndexEntry struct {
	Purpose          string   `json:"purpose"`
	Responsibilities []string `json:"responsibilities"`
	PublicInterfaces []string `json:"public_interfaces"`
	DependsOn        []string `json:"depends_on"`
	UsedBy           []string `json:"used_by"`
	Notes            string   `json:"notes"`
	ContentHash      string   `json:"content_hash,omitempty"`
}

// DecisionEntry is one append-only record in the decision log.
type DecisionEntry struct {
	ID        int      `json:"id"`
	Title     string   `json:"title"`
	Context   string   `json:"context"`
	Reasoning string   `json:"reasoning"`
	Tradeoffs []string `json:"tradeoffs"`
	Risks     []string `json:"risks"`
	Impact    string   `json:"impact"`
	Date      string   `json:"date"`
}

// ContextBundle is the read-only memory snapshot assembled for one model
// invocation. Index entries are included selectively, never in full.
type ContextBundle struct {
	Constitution Constitution
	Decisions    []DecisionEntry
}

// Store reads and writes the three memory records rooted in one workspace
// directory. All methods are safe for concurrent use within a process.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Seed writes empty memory files into dir unless they already exist.
func Seed(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	seeds := []struct {
		name  string
		value any
	}{
		{constitutionFile, Constitution{TechStack: []string{}, Constraints: []string{}}},
		{indexFile, map[string]IndexEntry{}},
		{decisionsFile, []DecisionEntry{}},
	}
	for _, seed := range seeds {
		path := filepath.Join(dir, seed.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeJSON(path, seed.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Constitution() (Constitution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Constitution
	if err := readJSON(filepath.Join(s.dir, constitutionFile), &c); err != nil {
		return Constitution{}, err
	}
	return c, nil
}

// WriteConstitution installs the initial charter. It refuses to overwrite a
// constitution that already has a goal; use Amend for that.
func (s *Store) WriteConstitution(c Constitution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing Constitution
	if err := readJSON(filepath.Join(s.dir, constitutionFile), &existing); err == nil {
		if strings.TrimSpace(existing.Goal) != "" {
			return errors.New("constitution already written, amendments require a logged decision")
		}
	}
	return writeJSON(filepath.Join(s.dir, constitutionFile), c)
}

// Amend replaces the constitution and records the amendment as a decision.
// The decision's id and date are assigned by the store.
func (s *Store) Amend(c Constitution, decision DecisionEntry) (DecisionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(decision.Title) == "" {
		return DecisionEntry{}, errors.New("amendment requires a decision title")
	}
	if err := writeJSON(filepath.Join(s.dir, constitutionFile), c); err != nil {
		return DecisionEntry{}, err
	}
	return s.appendDecisionLocked(decision)
}

func (s *Store) Index() (map[string]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked()
}

// IndexEntry fetches the entry for one canonical path.
func (s *Store) IndexEntry(path string) (IndexEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.indexLocked()
	if err != nil {
		return IndexEntry{}, false, err
	}
	entry, ok := index[path]
	return entry, ok, nil
}

// UpdateIndexEntry stores an entry for path, stamped with contentHash.
// If the stored entry already carries the same hash the write is skipped
// and false is returned.
func (s *Store) UpdateIndexEntry(path string, entry IndexEntry, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.indexLocked()
	if err != nil {
		return false, err
	}
	if existing, ok := index[path]; ok && existing.ContentHash != "" && existing.ContentHash == contentHash {
		return false, nil
	}
	entry.ContentHash = contentHash
	index[path] = entry
	return true, writeJSON(filepath.Join(s.dir, indexFile), index)
}

func (s *Store) RemoveIndexEntry(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.indexLocked()
	if err != nil {
		return err
	}
	if _, ok := index[path]; !ok {
		return nil
	}
	delete(index, path)
	return writeJSON(filepath.Join(s.dir, indexFile), index)
}

// StalePaths reports the subset of paths whose stored hash differs from the
// hash in current, plus paths with no entry at all. current maps canonical
// path to content hash.
func (s *Store) StalePaths(current map[string]string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.indexLocked()
	if err != nil {
		return nil, err
	}
	var stale []string
	for path, hash := range current {
		entry, ok := index[path]
		if !ok || entry.ContentHash != hash {
			stale = append(stale, path)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func (s *Store) Decisions() ([]DecisionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisionsLocked()
}

// AppendDecision adds an entry to the log. The id and date are assigned
// here; ids are strictly increasing and never reused.
func (s *Store) AppendDecision(entry DecisionEntry) (DecisionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendDecisionLocked(entry)
}

// Bundle loads the records that are always included in a prompt.
func (s *Store) Bundle() (ContextBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Constitution
	if err := readJSON(filepath.Join(s.dir, constitutionFile), &c); err != nil {
		return ContextBundle{}, err
	}
	decisions, err := s.decisionsLocked()
	if err != nil {
		return ContextBundle{}, err
	}
	return ContextBundle{Constitution: c, Decisions: decisions}, nil
}

// ContentHash returns the hex sha256 of data, the hash format used for
// index staleness checks.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) indexLocked() (map[string]IndexEntry, error) {
	index := map[string]IndexEntry{}
	if err := readJSON(filepath.Join(s.dir, indexFile), &index); err != nil {
		if os.IsNotExist(err) {
			return map[string]IndexEntry{}, nil
		}
		return nil, err
	}
	return index, nil
}

func (s *Store) decisionsLocked() ([]DecisionEntry, error) {
	var decisions []DecisionEntry
	if err := readJSON(filepath.Join(s.dir, decisionsFile), &decisions); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return decisions, nil
}

func (s *Store) appendDecisionLocked(entry DecisionEntry) (DecisionEntry, error) {
	decisions, err := s.decisionsLocked()
	if err != nil {
		return DecisionEntry{}, err
	}
	nextID := 1
	for _, existing := range decisions {
		if existing.ID >= nextID {
			nextID = existing.ID + 1
		}
	}
	entry.ID = nextID
	if entry.Date == "" {
		entry.Date = time.Now().UTC().Format("2006-01-02")
	}
	if entry.Tradeoffs == nil {
		entry.Tradeoffs = []string{}
	}
	if entry.Risks == nil {
		entry.Risks = []string{}
	}
	decisions = append(decisions, entry)
	if err := writeJSON(filepath.Join(s.dir, decisionsFile), decisions); err != nil {
		return DecisionEntry{}, err
	}
	return entry, nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
