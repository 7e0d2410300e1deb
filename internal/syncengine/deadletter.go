package syncengine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/memoryd/engine/internal/secrets"
	"go.uber.org/zap"
)

const hmacKeySize = 32

// DeadLetterEntry is an operation that exhausted its retry budget, or was
// queued during a drain and not delivered before shutdown.
type DeadLetterEntry struct {
	ID          string
	Op          SyncOp
	Attempts    int
	LastError   string
	RecordedAt  time.Time
	Checksum    []byte
}

// DeadLetterLog persists failed sync operations to disk, integrity-checked
// with an HMAC so a corrupted or tampered entry is detected rather than
// silently replayed. Content is scrubbed before it ever reaches disk.
type DeadLetterLog struct {
	path     string
	mu       sync.Mutex
	entries  []DeadLetterEntry
	hmacKey  []byte
	keyPath  string
	scrubber secrets.Scrubber
	logger   *zap.Logger
}

// NewDeadLetterLog opens (creating if absent) the dead-letter log at path.
func NewDeadLetterLog(path string, scrubber secrets.Scrubber, logger *zap.Logger) (*DeadLetterLog, error) {
	if scrubber == nil {
		return nil, fmt.Errorf("deadletterlog: scrubber is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("deadletterlog: path contains directory traversal: %s", path)
	}
	if err := os.MkdirAll(cleanPath, 0700); err != nil {
		return nil, fmt.Errorf("deadletterlog: creating directory: %w", err)
	}

	d := &DeadLetterLog{path: cleanPath, scrubber: scrubber, logger: logger}

	if err := d.initKey(); err != nil {
		return nil, fmt.Errorf("deadletterlog: initializing hmac key: %w", err)
	}
	if err := d.load(); err != nil {
		return nil, fmt.Errorf("deadletterlog: loading entries: %w", err)
	}

	return d, nil
}

func (d *DeadLetterLog) initKey() error {
	d.keyPath = filepath.Join(d.path, ".hmac_key")

	if data, err := os.ReadFile(d.keyPath); err == nil && len(data) == hmacKeySize {
		d.hmacKey = data
		return nil
	}

	key := make([]byte, hmacKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating hmac key: %w", err)
	}

	tmpPath := d.keyPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing key: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing key file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, d.keyPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing key file: %w", err)
	}

	d.hmacKey = key
	return nil
}

func (d *DeadLetterLog) dataPath() string {
	return filepath.Join(d.path, "entries.gob")
}

func (d *DeadLetterLog) computeHMAC(e DeadLetterEntry) []byte {
	h := hmac.New(sha256.New, d.hmacKey)
	h.Write([]byte(e.ID))
	h.Write([]byte(e.Op.Hash))
	h.Write([]byte(e.Op.Type))
	h.Write([]byte(e.RecordedAt.Format(time.RFC3339Nano)))
	return h.Sum(nil)
}

func (d *DeadLetterLog) load() error {
	f, err := os.Open(d.dataPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var entries []DeadLetterEntry
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		d.logger.Warn("deadletterlog: failed to decode entries, starting empty", zap.Error(err))
		return nil
	}

	var verified []DeadLetterEntry
	for _, e := range entries {
		if subtle.ConstantTimeCompare(e.Checksum, d.computeHMAC(e)) == 1 {
			verified = append(verified, e)
		} else {
			d.logger.Warn("deadletterlog: dropping entry with invalid checksum", zap.String("id", e.ID))
		}
	}
	d.entries = verified
	return nil
}

func (d *DeadLetterLog) persist() error {
	tmpPath := d.dataPath() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(d.entries); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()
	return os.Rename(tmpPath, d.dataPath())
}

// Record scrubs the operation's payload content and appends it to the log.
func (d *DeadLetterLog) Record(op SyncOp, attempts int, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if op.Payload != nil {
		result := d.scrubber.Scrub(op.Payload.Content)
		if result != nil {
			op.Payload.Content = result.Scrubbed
		}
	}

	entry := DeadLetterEntry{
		ID:         fmt.Sprintf("%s-%d", op.Hash, time.Now().UnixNano()),
		Op:         op,
		Attempts:   attempts,
		RecordedAt: time.Now().UTC(),
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	entry.Checksum = d.computeHMAC(entry)

	d.entries = append(d.entries, entry)
	if err := d.persist(); err != nil {
		return fmt.Errorf("persisting dead-letter entry: %w", err)
	}
	return nil
}

// Entries returns a copy of all currently dead-lettered operations.
func (d *DeadLetterLog) Entries() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Count returns the number of entries, for health reporting.
func (d *DeadLetterLog) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.entries))
}

// Remove deletes an entry by ID, used once an operator has replayed it.
func (d *DeadLetterLog) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.entries[:0]
	found := false
	for _, e := range d.entries {
		if e.ID == id {
			found = true
			continue
		}
		out = append(out, e)
	}
	d.entries = out
	if !found {
		return fmt.Errorf("deadletterlog: entry %s not found", id)
	}
	return d.persist()
}
