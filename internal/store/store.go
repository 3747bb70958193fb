// Package store implements the persistent message store described in
// spec §4.5/§6.4: an append-only log of save/ack records keyed by message
// id, with crash-recovery replay and compaction. The log uses bearerbox's
// own wire codec (internal/wire) for each record, so the on-disk format is
// the same framing used between the core and its box connections.
//
// A sqlite side-index (index.go) and an optional S3 cold-archive
// (archive.go) ride alongside the log for status lookups and long-term
// retention. Neither decides whether a save succeeds: the index is
// updated synchronously inside Save and SaveAck but its errors are only
// logged, and the archive upload runs in the background after Compact.
// The durable append is the single source of truth for crash recovery.
package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/wire"
)

const recentAckCacheSize = 4096

// recordKind distinguishes the two record shapes written to the log.
type recordKind uint8

const (
	recordSave recordKind = iota
	recordAck
)

// Store is the single-writer append-only log described in §4.5. The store
// mutex is never held together with the connector-list or a per-SMSCConn
// lock (§5 locking discipline).
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer

	pending map[uint64]*message.Message // id -> sms not yet acked
	nextID  uint64

	recentAcks *lru.Cache[uint64, message.NackReason]

	index   *Index   // optional sqlite side-index, nil if not configured
	archive *Archive // optional S3 cold-archive, nil if not configured

	shutdown atomic.Bool
}

// Option configures optional store features wired at New time.
type Option func(*Store)

func WithIndex(idx *Index) Option     { return func(s *Store) { s.index = idx } }
func WithArchive(arc *Archive) Option { return func(s *Store) { s.archive = arc } }

// New opens or creates the log at path and replays it (§4.5 `init`+`load`).
// Replay failure is fatal for the core, per spec.
func New(path string, opts ...Option) (*Store, error) {
	cache, err := lru.New[uint64, message.NackReason](recentAckCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:       path,
		pending:    make(map[uint64]*message.Message),
		recentAcks: cache,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("store: fatal recovery failure: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	s.f = f
	s.w = bufio.NewWriter(f)

	if err := s.Compact(); err != nil {
		return nil, fmt.Errorf("store: fatal recovery failure: %w", err)
	}

	blog.Infof("store: opened %s, %d pending messages recovered", path, len(s.pending))
	return s, nil
}

// load streams the existing log (if any), replaying save/ack records into
// a map of still-pending messages — the residual after replay is exactly
// the set of sms whose ack has not yet arrived (§4.5).
func (s *Store) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var maxID uint64
	for {
		kind, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		var bodyLen uint32
		if err := binary.Read(r, binary.BigEndian, &bodyLen); err != nil {
			return fmt.Errorf("store: truncated record header: %w", err)
		}
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("store: truncated record body: %w", err)
		}

		m, err := wire.Unpack(body)
		if err != nil {
			return fmt.Errorf("store: corrupt record: %w", err)
		}

		switch recordKind(kind) {
		case recordSave:
			if m.Kind != message.KindSMS {
				return fmt.Errorf("store: save record is not an sms")
			}
			s.pending[m.SMS.ID] = m
			if m.SMS.ID > maxID {
				maxID = m.SMS.ID
			}
		case recordAck:
			if m.Kind != message.KindAck {
				return fmt.Errorf("store: ack record is not an ack")
			}
			delete(s.pending, m.Ack.ID)
			s.recentAcks.Add(m.Ack.ID, m.Ack.NackReason)
		default:
			return fmt.Errorf("store: unknown record kind %d", kind)
		}
	}

	s.nextID = maxID
	return nil
}

func (s *Store) writeRecord(kind recordKind, m *message.Message) error {
	body := wire.Pack(m)
	if err := s.w.WriteByte(byte(kind)); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(body); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

// Save assigns an id if absent, appends a save record, and tracks the sms
// as pending. Returns the (possibly newly assigned) id.
func (s *Store) Save(m *message.Message) (uint64, error) {
	if m.Kind != message.KindSMS {
		return 0, fmt.Errorf("store: Save requires an sms message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown.Load() {
		return 0, fmt.Errorf("store: shutting down, no new saves accepted")
	}

	if m.SMS.ID == 0 {
		s.nextID++
		m.SMS.ID = s.nextID
	}

	if err := s.writeRecord(recordSave, m); err != nil {
		return 0, err
	}
	s.pending[m.SMS.ID] = m

	if s.index != nil {
		if err := s.index.RecordSave(m.SMS); err != nil {
			blog.Warnf("store: index record-save failed for id=%d: %v", m.SMS.ID, err)
		}
	}

	return m.SMS.ID, nil
}

// SaveAck appends an ack record and removes id from the pending set.
func (s *Store) SaveAck(id uint64, reason message.NackReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ack := message.NewAck(&message.Ack{ID: id, NackReason: reason})
	if err := s.writeRecord(recordAck, ack); err != nil {
		return err
	}
	delete(s.pending, id)
	s.recentAcks.Add(id, reason)

	if s.index != nil {
		if err := s.index.RecordAck(id, reason); err != nil {
			blog.Warnf("store: index record-ack failed for id=%d: %v", id, err)
		}
	}
	return nil
}

// WasRecentlyAcked reports whether id appears in the bounded recent-ack
// cache, letting a caller recognize a duplicate delivery after a replay
// without scanning the full pending map.
func (s *Store) WasRecentlyAcked(id uint64) (message.NackReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentAcks.Get(id)
}

// Dump returns a snapshot slice of the currently pending messages (§4.5
// `dump`). Messages are cloned so callers cannot mutate store-owned state.
func (s *Store) Dump() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*message.Message, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, m.Clone())
	}
	return out
}

// PendingCount returns the number of sms awaiting an ack.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Compact rewrites the log to contain only save records for the current
// pending set, discarding ack records and superseded saves. Run by New
// after recovery and periodically by the scheduler (internal/scheduler).
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(tmp)
	for _, m := range s.pending {
		body := wire.Pack(m)
		if err := w.WriteByte(byte(recordSave)); err != nil {
			tmp.Close()
			return err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(body); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	s.f = f
	s.w = bufio.NewWriter(f)

	if s.archive != nil {
		snapshot := make([]*message.Message, 0, len(s.pending))
		for _, m := range s.pending {
			snapshot = append(snapshot, m.Clone())
		}
		go func() {
			if err := s.archive.UploadSnapshot(snapshot); err != nil {
				blog.Warnf("store: archive upload failed: %v", err)
			}
		}()
	}

	blog.Infof("store: compacted to %d pending records", len(s.pending))
	return nil
}

// Shutdown stops accepting new saves and flushes the writer. Final
// compaction is left to the caller so it can be sequenced after the last
// in-flight SaveAck has landed.
func (s *Store) Shutdown() error {
	s.shutdown.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}
