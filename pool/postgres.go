package pool

import (
	"time"

	"gorm.io/gorm"
)

// Record is the Postgres row backing a Credential, adapted from the
// teacher's LLMProviderAPIKey (llm/types.go) — same priority/weight/usage
// shape, generalized from a flat API key to an opaque credential id (this
// gateway's credentials reference a session.Bundle, not a bearer string).
type Record struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	ProviderID string `gorm:"size:50;not null;index:idx_provider" json:"provider_id"`
	CredRef    string `gorm:"size:200;not null" json:"cred_ref"`
	Priority   int    `gorm:"default:100" json:"priority"`
	Weight     int    `gorm:"default:100" json:"weight"`
	State      string `gorm:"size:20;default:active" json:"state"`

	TotalRequests  int64      `gorm:"default:0" json:"total_requests"`
	FailedRequests int64      `gorm:"default:0" json:"failed_requests"`
	LastUsedAt     *time.Time `json:"last_used_at"`
	CooldownUntil  *time.Time `json:"cooldown_until"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Record) TableName() string { return "gateway_pool_credentials" }

// PostgresStore persists Pool credentials across process restarts and
// replicas — the optional backend named in SPEC_FULL.md's domain stack
// table; the default flat-file/config credential list never touches this.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens (and migrates) the credential table on db.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// LoadCredentials loads every record for providerID, ordered the way
// llm/apikey_pool.go's LoadKeys orders its rows: priority ascending, weight
// descending.
func (s *PostgresStore) LoadCredentials(providerID string) ([]*Credential, error) {
	var records []Record
	if err := s.db.Where("provider_id = ?", providerID).
		Order("priority ASC, weight DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	creds := make([]*Credential, 0, len(records))
	for _, r := range records {
		c := NewCredential(r.CredRef, r.ProviderID, r.Weight, r.Priority)
		if r.State == string(StateDisabled) {
			c.Disable()
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// Upsert inserts or updates the row for a credential (used when an operator
// adds a credential via the admin surface rather than static config).
func (s *PostgresStore) Upsert(providerID string, c *Credential) error {
	stats := c.Stats()
	rec := Record{
		ProviderID:     providerID,
		CredRef:        c.ID,
		Priority:       c.Priority,
		Weight:         c.Weight,
		State:          string(stats.State),
		TotalRequests:  stats.TotalRequests,
		FailedRequests: stats.FailedRequests,
	}
	return s.db.Where("provider_id = ? AND cred_ref = ?", providerID, c.ID).
		Assign(rec).
		FirstOrCreate(&Record{}).Error
}
