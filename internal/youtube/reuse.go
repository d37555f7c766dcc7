package youtube

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ReuseRecord remembers a previously created broadcast so a quick restart can
// rebind to it instead of spending quota on fresh resources.
type ReuseRecord struct {
	BroadcastID  string    `json:"broadcastId"`
	StreamID     string    `json:"streamId"`
	IngestionURL string    `json:"ingestionUrl"`
	StreamKey    string    `json:"streamKey"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReuseStore is a JSON-file-backed list of reuse records, keyed by title.
type ReuseStore struct {
	mu   sync.Mutex
	path string
}

// NewReuseStore returns a store persisting to the JSON file at path.
func NewReuseStore(path string) *ReuseStore {
	return &ReuseStore{path: path}
}

// Lookup returns the newest record with the given title. A missing store file
// is an empty store, not an error.
func (s *ReuseStore) Lookup(title string) (ReuseRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return ReuseRecord{}, false, err
	}
	best := -1
	for i, r := range records {
		if r.Title != title {
			continue
		}
		if best < 0 || r.CreatedAt.After(records[best].CreatedAt) {
			best = i
		}
	}
	if best < 0 {
		return ReuseRecord{}, false, nil
	}
	return records[best], true, nil
}

// Remember upserts rec by title.
func (s *ReuseStore) Remember(rec ReuseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	out := records[:0]
	for _, r := range records {
		if r.Title != rec.Title {
			out = append(out, r)
		}
	}
	out = append(out, rec)
	return s.save(out)
}

// Forget removes the record for broadcastID, if present.
func (s *ReuseStore) Forget(broadcastID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	out := records[:0]
	for _, r := range records {
		if r.BroadcastID != broadcastID {
			out = append(out, r)
		}
	}
	return s.save(out)
}

func (s *ReuseStore) load() ([]ReuseRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reuse store: %w", err)
	}
	var records []ReuseRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse reuse store: %w", err)
	}
	return records, nil
}

func (s *ReuseStore) save(records []ReuseRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode reuse store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write reuse store: %w", err)
	}
	return nil
}
