package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "paystream/pkg/logx"
)

// compactEvery bounds journal growth: after this many journal appends the
// full snapshot is rewritten and the journal truncated.
const compactEvery = 256

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (full state snapshot)
//   - <prefix>.journal.jsonl  (append-only journal since last snapshot)
//
// Boot order is snapshot then journal replay, so a crash between an append
// and a compaction loses nothing.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalPath  string
	journalFile  *os.File

	state  fileSnapshot
	writes int
}

type fileSnapshot struct {
	Registry  []string                  `json:"registry"`
	Schedules map[string]ScheduleRecord `json:"schedules"`
	Escrow    map[string]uint64         `json:"escrow"`
	Balance   uint64                    `json:"balance"`
	Dedup     map[string]int64          `json:"dedup"` // key -> unix milli
}

// journalRecord is one replayable mutation. Op decides which fields are set.
type journalRecord struct {
	Op        string          `json:"op"` // registry|schedule|unschedule|escrow|balance|dedup
	Recipient string          `json:"recipient,omitempty"`
	Registry  []string        `json:"registry,omitempty"`
	Schedule  *ScheduleRecord `json:"schedule,omitempty"`
	Amount    uint64          `json:"amount,omitempty"`
	Key       string          `json:"key,omitempty"`
	Until     int64           `json:"until,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  prefix + ".journal.jsonl",
		state:        emptySnapshot(),
	}

	if err := s.loadSnapshot(); err != nil {
		log.Warn("snapshot load failed; starting empty", logx.Err(err))
		s.state = emptySnapshot()
	}
	if err := s.replayJournal(); err != nil {
		log.Warn("journal replay stopped early", logx.Err(err))
	}
	s.pruneDedupLocked(time.Now())

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.journalFile = jf
	return s, nil
}

func emptySnapshot() fileSnapshot {
	return fileSnapshot{
		Schedules: map[string]ScheduleRecord{},
		Escrow:    map[string]uint64{},
		Dedup:     map[string]int64{},
	}
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	if snap.Schedules == nil {
		snap.Schedules = map[string]ScheduleRecord{}
	}
	if snap.Escrow == nil {
		snap.Escrow = map[string]uint64{}
	}
	if snap.Dedup == nil {
		snap.Dedup = map[string]int64{}
	}
	s.state = snap
	return nil
}

func (s *fileStore) replayJournal() error {
	f, err := os.Open(s.journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn tail write is expected after a crash; stop replay there.
			return err
		}
		s.applyLocked(rec)
	}
	return sc.Err()
}

func (s *fileStore) applyLocked(rec journalRecord) {
	switch rec.Op {
	case "registry":
		s.state.Registry = rec.Registry
	case "schedule":
		if rec.Schedule != nil {
			s.state.Schedules[rec.Recipient] = *rec.Schedule
		}
	case "unschedule":
		delete(s.state.Schedules, rec.Recipient)
	case "escrow":
		s.state.Escrow[rec.Recipient] = rec.Amount
	case "balance":
		s.state.Balance = rec.Amount
	case "dedup":
		s.state.Dedup[rec.Key] = rec.Until
	}
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	s.applyLocked(rec)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.journalFile.Write(append(b, '\n')); err != nil {
		return err
	}
	s.writes++
	if s.writes >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot atomically (temp + rename) and truncates
// the journal.
func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journalFile.Seek(0, 0); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func (s *fileStore) pruneDedupLocked(now time.Time) {
	ms := now.UnixMilli()
	for k, until := range s.state.Dedup {
		if until < ms {
			delete(s.state.Dedup, k)
		}
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Final compaction keeps restarts cheap; ignore failure, the journal
	// still has everything.
	if s.journalFile != nil {
		_ = s.compactLocked()
	}
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LoadLedger(ctx context.Context) (*LedgerState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.Registry) == 0 && len(s.state.Schedules) == 0 && len(s.state.Escrow) == 0 && s.state.Balance == 0 {
		return nil, nil
	}
	st := &LedgerState{
		Registry:  append([]string(nil), s.state.Registry...),
		Schedules: make(map[string]ScheduleRecord, len(s.state.Schedules)),
		Escrow:    make(map[string]uint64, len(s.state.Escrow)),
		Balance:   s.state.Balance,
	}
	for k, v := range s.state.Schedules {
		st.Schedules[k] = v
	}
	for k, v := range s.state.Escrow {
		st.Escrow[k] = v
	}
	return st, nil
}

func (s *fileStore) SaveRegistry(ctx context.Context, recipients []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: "registry", Registry: append([]string(nil), recipients...)})
}

func (s *fileStore) UpsertSchedule(ctx context.Context, recipient string, rec ScheduleRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: "schedule", Recipient: recipient, Schedule: &rec})
}

func (s *fileStore) DeleteSchedule(ctx context.Context, recipient string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: "unschedule", Recipient: recipient})
}

func (s *fileStore) PutEscrow(ctx context.Context, recipient string, balance uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: "escrow", Recipient: recipient, Amount: balance})
}

func (s *fileStore) PutBalance(ctx context.Context, balance uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: "balance", Amount: balance})
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneDedupLocked(time.Now())
	return s.appendLocked(journalRecord{Op: "dedup", Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.state.Dedup[key]
	if !ok || ms <= time.Now().UnixMilli() {
		// An expired window reads as absent; the journal entry is pruned
		// lazily on the next PutDedup.
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
