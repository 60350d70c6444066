package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/windlabs/windbot/internal/trades"
)

var betIDPattern = regexp.MustCompile(`^[0-9]+$`)

// TradeStore persists the full trade list for each committed bet as one
// JSON file per bet under the agent directory. The settlement coordinator
// reads it back after the deadline; losing it is a data-integrity failure.
type TradeStore struct {
	mu  sync.Mutex
	dir string
}

type storedTrades struct {
	BetID      string         `json:"betId"`
	SnapshotID string         `json:"snapshotId"`
	Trades     []trades.Trade `json:"trades"`
}

// NewTradeStore creates the store directory if needed.
func NewTradeStore(dir string) (*TradeStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trade store dir: %w", err)
	}
	return &TradeStore{dir: dir}, nil
}

// Put atomically stores the trade list for a bet.
func (s *TradeStore) Put(betID, snapshotID string, list []trades.Trade) error {
	if !betIDPattern.MatchString(betID) {
		return fmt.Errorf("invalid bet id %q", betID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := json.Marshal(storedTrades{BetID: betID, SnapshotID: snapshotID, Trades: list})
	if err != nil {
		return fmt.Errorf("marshal trades for bet %s: %w", betID, err)
	}

	path := s.path(betID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write trades for bet %s: %w", betID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace trades for bet %s: %w", betID, err)
	}
	return nil
}

// Get loads the trade list for a bet. ok is false when no list is stored.
func (s *TradeStore) Get(betID string) (snapshotID string, list []trades.Trade, ok bool) {
	if !betIDPattern.MatchString(betID) {
		return "", nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.path(betID))
	if err != nil {
		return "", nil, false
	}
	var stored storedTrades
	if err := json.Unmarshal(blob, &stored); err != nil {
		return "", nil, false
	}
	return stored.SnapshotID, stored.Trades, true
}

// Delete removes a settled bet's trade list.
func (s *TradeStore) Delete(betID string) error {
	if !betIDPattern.MatchString(betID) {
		return fmt.Errorf("invalid bet id %q", betID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(betID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete trades for bet %s: %w", betID, err)
	}
	return nil
}

// List returns the bet ids with a stored trade list.
func (s *TradeStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read trade store dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "bet-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "bet-"), ".json")
		if betIDPattern.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *TradeStore) path(betID string) string {
	return filepath.Join(s.dir, "bet-"+betID+".json")
}
