// Package permstore provides the bridge's default PermissionStore.
// Deployments may plug in their own rule store, but a standalone or test
// deployment still needs somewhere real to persist
// always_allow/never_allow decisions to.
package permstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	yaml "go.yaml.in/yaml/v2"
)

// Effect is the persisted disposition of a rule key.
type Effect string

const (
	EffectAlwaysAllow Effect = "always_allow"
	EffectNeverAllow  Effect = "never_allow"
)

// Store is a sqlite-backed PermissionStore (internal/acp.PermissionStore):
// one row per rule key, the later of AllowAlways/RejectAlways winning.
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the rule database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("permstore: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "permissions.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("permstore: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("permstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS rules (
		rule_key   TEXT PRIMARY KEY,
		effect     TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) upsert(ruleKey string, effect Effect) error {
	_, err := s.db.Exec(`
		INSERT INTO rules (rule_key, effect, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(rule_key) DO UPDATE SET effect = excluded.effect, updated_at = excluded.updated_at`,
		ruleKey, string(effect), time.Now())
	return err
}

// AllowAlways persists rule as an always_allow rule, satisfying
// internal/acp.PermissionStore.
func (s *Store) AllowAlways(rule string) error {
	return s.upsert(rule, EffectAlwaysAllow)
}

// RejectAlways persists rule as a never_allow rule, satisfying
// internal/acp.PermissionStore.
func (s *Store) RejectAlways(rule string) error {
	return s.upsert(rule, EffectNeverAllow)
}

// userRules mirrors the conventional permission-rule file shape: a "user:"
// document with always_allow/ask_before/never_allow rule-key lists.
// ask_before is always empty here: the bridge never persists a standing
// "ask" rule, since once/cancel decisions are one-shot by definition.
type userRules struct {
	AlwaysAllow []string `yaml:"always_allow"`
	AskBefore   []string `yaml:"ask_before"`
	NeverAllow  []string `yaml:"never_allow"`
}

type rulesDocument struct {
	User userRules `yaml:"user"`
}

// Snapshot renders the store's current rules in the same YAML shape the
// external permission store uses, for tests and operators comparing
// against the reference format byte-for-byte.
func (s *Store) Snapshot() (string, error) {
	rows, err := s.db.Query(`SELECT rule_key, effect FROM rules ORDER BY rule_key`)
	if err != nil {
		return "", fmt.Errorf("permstore: query rules: %w", err)
	}
	defer rows.Close()

	doc := rulesDocument{User: userRules{AlwaysAllow: []string{}, AskBefore: []string{}, NeverAllow: []string{}}}
	for rows.Next() {
		var ruleKey, effect string
		if err := rows.Scan(&ruleKey, &effect); err != nil {
			return "", fmt.Errorf("permstore: scan rule: %w", err)
		}
		switch Effect(effect) {
		case EffectAlwaysAllow:
			doc.User.AlwaysAllow = append(doc.User.AlwaysAllow, ruleKey)
		case EffectNeverAllow:
			doc.User.NeverAllow = append(doc.User.NeverAllow, ruleKey)
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("permstore: iterate rules: %w", err)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("permstore: marshal snapshot: %w", err)
	}
	return string(out), nil
}
