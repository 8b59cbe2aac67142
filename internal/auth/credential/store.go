package credential

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/pysugar/gemini-relay/internal/db/models"
)

// Persister saves credential state mutations so they survive restarts.
type Persister interface {
	Save(rec *Record) error
}

// credentialFile mirrors the oauth_creds_*.json layout written by the
// Gemini CLI login flow.
type credentialFile struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"`
	Expiry       string `json:"expiry"`
	ProjectID    string `json:"project_id"`
	Email        string `json:"email"`
}

// Store loads credentials from disk and the environment and persists their
// lifecycle state through gorm.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a database handle; db may be nil, in which case mutations
// are kept in memory only.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Load assembles the pool's records: oauth_creds_*.json files under dir,
// plus the inline JSON list (a JSON array of credential objects). Persisted
// state from earlier runs overlays the file contents, so a credential marked
// invalid stays invalid across restarts.
func (s *Store) Load(dir, inlineJSON string) ([]*Record, error) {
	var records []*Record
	seen := make(map[string]bool)

	add := func(cf credentialFile, origin string) {
		if cf.RefreshToken == "" {
			log.Printf("⚠️ Skipping credential from %s: no refresh_token", origin)
			return
		}
		id := Fingerprint(cf.RefreshToken)
		if seen[id] {
			log.Printf("⚠️ Skipping duplicate credential from %s (%s)", origin, id)
			return
		}
		seen[id] = true
		records = append(records, recordFromFile(id, cf))
	}

	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "oauth_creds_*.json"))
		if err != nil {
			return nil, fmt.Errorf("scan credentials dir %s: %w", dir, err)
		}
		sort.Strings(matches)
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Printf("⚠️ Skipping unreadable credential file %s: %v", path, err)
				continue
			}
			var cf credentialFile
			if err := json.Unmarshal(data, &cf); err != nil {
				log.Printf("⚠️ Skipping malformed credential file %s: %v", path, err)
				continue
			}
			add(cf, path)
		}
	}

	if inlineJSON != "" {
		var list []credentialFile
		if err := json.Unmarshal([]byte(inlineJSON), &list); err != nil {
			return nil, fmt.Errorf("parse inline credentials list: %w", err)
		}
		for i, cf := range list {
			add(cf, fmt.Sprintf("inline[%d]", i))
		}
	}

	s.overlay(records)
	log.Printf("📦 Loaded %d credentials into pool", len(records))
	return records, nil
}

func recordFromFile(id string, cf credentialFile) *Record {
	token := cf.AccessToken
	if token == "" {
		token = cf.Token
	}
	rec := &Record{
		id:           id,
		clientID:     cf.ClientID,
		clientSecret: cf.ClientSecret,
		refreshToken: cf.RefreshToken,
		accessToken:  token,
		projectID:    cf.ProjectID,
		email:        cf.Email,
		status:       StatusUnverified,
	}
	if cf.Expiry != "" {
		if t, err := time.Parse(time.RFC3339, cf.Expiry); err == nil {
			rec.expiry = t
		}
	}
	return rec
}

// overlay applies persisted mutations on top of freshly loaded records.
func (s *Store) overlay(records []*Record) {
	if s.db == nil {
		return
	}
	for _, rec := range records {
		var row models.Credential
		if err := s.db.First(&row, "id = ?", rec.id).Error; err != nil {
			continue
		}
		rec.stateMu.Lock()
		if row.Status != "" {
			rec.status = row.Status
		}
		if row.AccessToken != "" && row.ExpiresAt.After(rec.expiry) {
			rec.accessToken = row.AccessToken
			rec.expiry = row.ExpiresAt
		}
		if row.ProjectID != "" {
			rec.projectID = row.ProjectID
		}
		if row.Email != "" {
			rec.email = row.Email
		}
		rec.onboarded = rec.onboarded || row.Onboarded
		rec.stateMu.Unlock()
	}
}

// Save upserts the record's mutable state.
func (s *Store) Save(rec *Record) error {
	if s.db == nil {
		return nil
	}
	rec.stateMu.Lock()
	row := models.Credential{
		ID:           rec.id,
		Email:        rec.email,
		AccessToken:  rec.accessToken,
		RefreshToken: rec.refreshToken,
		ExpiresAt:    rec.expiry,
		ProjectID:    rec.projectID,
		Status:       rec.status,
		Onboarded:    rec.onboarded,
	}
	rec.stateMu.Unlock()
	return s.db.Save(&row).Error
}
