// Package signature loads and serves the attack signature sets: SQL
// keywords (general and paired), XSS keywords and the forbidden-path
// list. Sets are loaded at startup; a missing set is a logged fatal
// condition for that detector, which then degrades to always-pass
// rather than crashing the engine.
package signature

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	sqlFile  = "sql_data.json"
	xssFile  = "xss_data.json"
	pathFile = "unauthorized_access.txt"
)

type sqlData struct {
	GeneralKeywords   []string            `json:"general_keywords"`
	KeywordsWithPairs map[string][]string `json:"keywords_with_pairs"`
}

type xssData struct {
	Keywords []string `json:"keywords"`
}

// DB holds the loaded signature sets. Reads take the read lock; the
// sets only change on a reload triggered by the file watcher.
type DB struct {
	mu sync.RWMutex

	sqlGeneral     []string
	sqlPaired      map[string][]string
	xssKeywords    []string
	forbiddenPaths []string

	dir    string
	logger *zap.Logger
}

// Load reads every signature set from dir. Per-set failures degrade
// that set to empty and are reported through the logger; the returned
// DB is always usable.
func Load(dir string, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := &DB{dir: dir, logger: logger, sqlPaired: map[string][]string{}}
	db.reload(sqlFile)
	db.reload(xssFile)
	db.reload(pathFile)
	return db
}

func (db *DB) reload(name string) {
	path := filepath.Join(db.dir, name)
	switch name {
	case sqlFile:
		var data sqlData
		if err := loadJSON(path, &data); err != nil {
			db.logger.Error("failed to load SQL signature set, SQLi detection degraded to always-pass",
				zap.String("path", path), zap.Error(err))
			return
		}
		db.mu.Lock()
		db.sqlGeneral, db.sqlPaired = data.GeneralKeywords, data.KeywordsWithPairs
		db.mu.Unlock()
	case xssFile:
		var data xssData
		if err := loadJSON(path, &data); err != nil {
			db.logger.Error("failed to load XSS signature set, XSS detection degraded to always-pass",
				zap.String("path", path), zap.Error(err))
			return
		}
		db.mu.Lock()
		db.xssKeywords = data.Keywords
		db.mu.Unlock()
	case pathFile:
		paths, err := loadLines(path)
		if err != nil {
			db.logger.Error("failed to load forbidden-path set, path detection degraded to always-pass",
				zap.String("path", path), zap.Error(err))
			return
		}
		db.mu.Lock()
		db.forbiddenPaths = paths
		db.mu.Unlock()
	}
	db.logger.Info("signature set loaded", zap.String("file", name))
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func loadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// SQLGeneral returns the lone SQL keyword signatures.
func (db *DB) SQLGeneral() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sqlGeneral
}

// SQLPaired returns the keyword-with-required-pairs signatures.
func (db *DB) SQLPaired() map[string][]string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sqlPaired
}

// XSSKeywords returns the XSS signatures.
func (db *DB) XSSKeywords() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.xssKeywords
}

// ForbiddenPaths returns the unauthorized-location signatures.
func (db *DB) ForbiddenPaths() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.forbiddenPaths
}

// Degraded reports whether any set is empty and therefore passing
// everything. Operators are warned at startup.
func (db *DB) Degraded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.sqlGeneral)+len(db.sqlPaired) == 0 ||
		len(db.xssKeywords) == 0 ||
		len(db.forbiddenPaths) == 0
}
