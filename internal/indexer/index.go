// Package indexer maintains an inverted index over the text files of a
// workspace and answers full-text queries with per-line matches.
package indexer

import (
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

// supportedExtensions lists the file types treated as indexable text.
var supportedExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".py": {}, ".js": {}, ".ts": {}, ".html": {},
	".htm": {}, ".css": {}, ".scss": {}, ".json": {}, ".xml": {}, ".yaml": {},
	".yml": {}, ".ini": {}, ".cfg": {}, ".conf": {}, ".log": {}, ".sql": {},
	".sh": {}, ".bat": {}, ".ps1": {}, ".php": {}, ".rb": {}, ".go": {},
	".rs": {}, ".cpp": {}, ".c": {}, ".h": {}, ".hpp": {}, ".java": {},
	".kt": {}, ".swift": {}, ".dart": {}, ".vue": {}, ".jsx": {}, ".tsx": {},
	".svelte": {}, ".astro": {}, ".toml": {}, ".env": {}, ".csv": {}, ".tsv": {},
}

// ignoredDirs are skipped wholesale during scans and watching.
var ignoredDirs = map[string]struct{}{
	".git": {}, ".svn": {}, ".hg": {}, "__pycache__": {}, "node_modules": {},
	".vscode": {}, ".idea": {}, "dist": {}, "build": {}, "target": {},
	".next": {}, ".nuxt": {}, "coverage": {}, ".pytest_cache": {},
	".mypy_cache": {}, "venv": {}, "env": {}, ".env": {},
}

// Entry is one indexed document.
type Entry struct {
	Path     string
	Content  string
	ModTime  time.Time
	Hash     string
}

// LineMatch is one matching line of a file.
type LineMatch struct {
	Number int    `json:"line"`
	Text   string `json:"text"`
}

// FileMatch groups a file's matching lines with its total line count.
type FileMatch struct {
	Path       string      `json:"path"`
	Lines      []LineMatch `json:"matches"`
	TotalLines int         `json:"total_lines"`
}

// Index is the in-process inverted index for one workspace. All mutation
// happens under mu; the watcher's worker is the only background writer.
type Index struct {
	mu       sync.Mutex
	root     string
	snapshot string

	entries  map[string]Entry
	postings map[string]map[string]struct{}
}

// Open loads the persisted snapshot for the workspace (if any) under
// dataRoot and reconciles it with the current tree.
func Open(root, dataRoot string) (*Index, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	dir := filepath.Join(dataRoot, "index_"+filepath.Base(abs))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	ix := &Index{
		root:     abs,
		snapshot: filepath.Join(dir, "index.gob"),
		entries:  map[string]Entry{},
		postings: map[string]map[string]struct{}{},
	}
	ix.loadSnapshot()
	if err := ix.Rebuild(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Rebuild scans the workspace and reindexes every supported file whose hash
// changed, dropping entries for files that disappeared.
func (ix *Index) Rebuild() error {
	seen := map[string]struct{}{}
	start := time.Now()

	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if shouldIgnoreDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isSupported(path) {
			return nil
		}
		seen[path] = struct{}{}
		ix.Update(path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan workspace: %w", err)
	}

	ix.mu.Lock()
	for path := range ix.entries {
		if _, ok := seen[path]; !ok {
			ix.removeLocked(path)
		}
	}
	count := len(ix.entries)
	ix.mu.Unlock()

	ix.saveSnapshot()
	log.Info().Int("files", count).Dur("took", time.Since(start)).Msg("index_rebuilt")
	return nil
}

// Update indexes one file, replacing the stored document only when its
// content hash changed.
func (ix *Index) Update(path string) {
	if !isSupported(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("index_read_failed")
		return
	}
	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if existing, ok := ix.entries[path]; ok && existing.Hash == hash {
		return
	}
	ix.removeLocked(path)
	entry := Entry{Path: path, Content: string(data), ModTime: info.ModTime(), Hash: hash}
	ix.entries[path] = entry
	for token := range tokenize(entry.Content) {
		set, ok := ix.postings[token]
		if !ok {
			set = map[string]struct{}{}
			ix.postings[token] = set
		}
		set[path] = struct{}{}
	}
}

// Remove drops one file from the index.
func (ix *Index) Remove(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(path)
}

func (ix *Index) removeLocked(path string) {
	entry, ok := ix.entries[path]
	if !ok {
		return
	}
	delete(ix.entries, path)
	for token := range tokenize(entry.Content) {
		if set, ok := ix.postings[token]; ok {
			delete(set, path)
			if len(set) == 0 {
				delete(ix.postings, token)
			}
		}
	}
}

// Size reports the number of indexed documents.
func (ix *Index) Size() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// Search finds files matching the query and re-reads each to produce line
// matches: case-insensitive substring, capped at maxPerFile per file.
func (ix *Index) Search(query string, maxPerFile int) []FileMatch {
	if maxPerFile <= 0 {
		maxPerFile = 20
	}
	lowered := strings.ToLower(query)

	candidates := ix.candidatePaths(query, lowered)

	var out []FileMatch
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		var matches []LineMatch
		for i, line := range lines {
			if strings.Contains(strings.ToLower(line), lowered) {
				matches = append(matches, LineMatch{Number: i + 1, Text: line})
				if len(matches) >= maxPerFile {
					break
				}
			}
		}
		if len(matches) > 0 {
			out = append(out, FileMatch{Path: path, Lines: matches, TotalLines: len(lines)})
		}
	}
	return out
}

// candidatePaths intersects the postings of every query token, falling back
// to a content scan when the query has no indexable tokens.
func (ix *Index) candidatePaths(query, lowered string) []string {
	tokens := tokenize(query)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(tokens) == 0 {
		var paths []string
		for path, entry := range ix.entries {
			if strings.Contains(strings.ToLower(entry.Content), lowered) {
				paths = append(paths, path)
			}
		}
		return sorted(paths)
	}

	var intersection map[string]struct{}
	for token := range tokens {
		set := ix.postings[token]
		if set == nil {
			return nil
		}
		if intersection == nil {
			intersection = map[string]struct{}{}
			for p := range set {
				intersection[p] = struct{}{}
			}
			continue
		}
		for p := range intersection {
			if _, ok := set[p]; !ok {
				delete(intersection, p)
			}
		}
	}

	var paths []string
	for p := range intersection {
		paths = append(paths, p)
	}
	return sorted(paths)
}

/* ── persistence ── */

func (ix *Index) loadSnapshot() {
	f, err := os.Open(ix.snapshot)
	if err != nil {
		return
	}
	defer f.Close()

	var entries map[string]Entry
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		log.Warn().Err(err).Msg("index_snapshot_corrupt_rebuilding")
		return
	}
	ix.entries = entries
	for path, entry := range entries {
		for token := range tokenize(entry.Content) {
			set, ok := ix.postings[token]
			if !ok {
				set = map[string]struct{}{}
				ix.postings[token] = set
			}
			set[path] = struct{}{}
		}
	}
}

func (ix *Index) saveSnapshot() {
	ix.mu.Lock()
	entries := make(map[string]Entry, len(ix.entries))
	for k, v := range ix.entries {
		entries[k] = v
	}
	ix.mu.Unlock()

	f, err := os.Create(ix.snapshot)
	if err != nil {
		log.Warn().Err(err).Msg("index_snapshot_write_failed")
		return
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(entries); err != nil {
		log.Warn().Err(err).Msg("index_snapshot_encode_failed")
	}
}

/* ── helpers ── */

func isSupported(path string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func shouldIgnoreDir(name string) bool {
	if _, ok := ignoredDirs[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "index_")
}

// tokenize splits text into lowercased alphanumeric runs.
func tokenize(text string) map[string]struct{} {
	tokens := map[string]struct{}{}
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens[strings.ToLower(b.String())] = struct{}{}
			b.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func sorted(paths []string) []string {
	sort.Strings(paths)
	return paths
}
