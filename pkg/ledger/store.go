package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/models"
)

// ErrAccountNotFound is returned when an update targets an unknown key.
var ErrAccountNotFound = errors.New("account not found in ledger")

const timeLayout = "2006-01-02 15:04:05"

var header = []string{
	"api_key", "email", "secret", "quota_remaining", "last_checked",
	"status", "usage_count", "total_used", "unusual_activity",
	"unusual_activity_at", "notes", "strike_count",
}

// Store persists accounts as one CSV row each. The file is rewritten
// wholesale on every mutation, so all access is serialized through one
// lock. A missing file is initialized with a header row; a corrupted file
// is re-initialized rather than crashing the process.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store over the given file path, initializing the file
// if it does not exist.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeAll(nil); err != nil {
			return nil, fmt.Errorf("init ledger file: %w", err)
		}
		log.Printf("ledger: initialized new file %s", path)
	}
	return s, nil
}

// Load returns all accounts in file order.
func (s *Store) Load() ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]*models.Account, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		if err := s.writeAll(nil); err != nil {
			return nil, fmt.Errorf("init ledger file: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		log.Printf("ledger: corrupted file %s, re-initializing: %v", s.path, err)
		if werr := s.writeAll(nil); werr != nil {
			return nil, fmt.Errorf("re-init corrupted ledger: %w", werr)
		}
		return nil, nil
	}

	var accounts []*models.Account
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == "api_key" {
			continue
		}
		a, err := parseRow(row)
		if err != nil {
			log.Printf("ledger: skipping malformed row %d: %v", i+1, err)
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// Save replaces the entire file with the given accounts.
func (s *Store) Save(accounts []*models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAll(accounts)
}

// Update applies fn to the account with the given key inside one
// read-modify-write cycle.
func (s *Store) Update(apiKey string, fn func(*models.Account)) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.APIKey == apiKey {
			fn(a)
			if a.QuotaRemaining < 0 {
				a.QuotaRemaining = 0
			}
			if err := s.writeAll(accounts); err != nil {
				return nil, err
			}
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, models.MaskKey(apiKey))
}

func (s *Store) writeAll(accounts []*models.Account) error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write ledger header: %w", err)
	}
	for _, a := range accounts {
		if err := w.Write(formatRow(a)); err != nil {
			f.Close()
			return fmt.Errorf("write ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func formatRow(a *models.Account) []string {
	return []string{
		a.APIKey,
		a.Email,
		a.Secret,
		strconv.FormatInt(a.QuotaRemaining, 10),
		formatTime(a.LastChecked),
		string(a.Status),
		strconv.FormatInt(a.UsageCount, 10),
		strconv.FormatInt(a.TotalUsed, 10),
		formatBool(a.UnusualActivity),
		formatTime(a.UnusualActivityAt),
		a.Notes,
		strconv.Itoa(a.StrikeCount),
	}
}

func parseRow(row []string) (*models.Account, error) {
	if len(row) < len(header) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(header), len(row))
	}
	if row[0] == "" {
		return nil, errors.New("empty api_key")
	}
	a := &models.Account{
		APIKey: row[0],
		Email:  row[1],
		Secret: row[2],
		Status: models.AccountStatus(row[5]),
		Notes:  row[10],
	}
	if a.Status == "" {
		a.Status = models.StatusActive
	}

	var err error
	if a.QuotaRemaining, err = parseInt(row[3]); err != nil {
		return nil, fmt.Errorf("quota_remaining: %w", err)
	}
	a.LastChecked = parseTime(row[4])
	if a.UsageCount, err = parseInt(row[6]); err != nil {
		return nil, fmt.Errorf("usage_count: %w", err)
	}
	if a.TotalUsed, err = parseInt(row[7]); err != nil {
		return nil, fmt.Errorf("total_used: %w", err)
	}
	a.UnusualActivity = row[8] == "yes"
	a.UnusualActivityAt = parseTime(row[9])
	strikes, err := parseInt(row[11])
	if err != nil {
		return nil, fmt.Errorf("strike_count: %w", err)
	}
	a.StrikeCount = int(strikes)
	return a, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
