// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package audit keeps an in-memory, append-only ledger of kernel events:
// the kernel records one per handled syscall and one per activity exit.
// The ledger lives only in DRAM for the
// process lifetime and is drained by a
// background worker for structured logging.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/m3os/tilekernel/pkg/errors"
)

// EventType classifies one ledger entry.
type EventType string

const (
	EventSyscall       EventType = "syscall"
	EventCapRevoke     EventType = "cap-revoke"
	EventActivityState EventType = "activity-state"
)

// Event is one ledger entry. ID and At are filled in by Record.
type Event struct {
	ID       string                 `json:"id"`
	Type     EventType              `json:"type"`
	Activity uint64                 `json:"activity"`
	Op       string                 `json:"op"`
	Detail   string                 `json:"detail,omitempty"`
	At       *timestamppb.Timestamp `json:"at"`
}

var eventKeyPrefix = []byte("evt")

// Ledger is the DRAM-only event store plus its subscriber fan-out.
type Ledger struct {
	mu     sync.RWMutex
	wg     sync.WaitGroup
	closed bool

	db  *badger.DB
	seq atomic.Uint64

	eventRouter     chan Event
	stopEventRouter chan struct{}
	subscribers     []chan Event
}

// New opens the in-memory ledger.
func New() (*Ledger, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		db:              db,
		eventRouter:     make(chan Event),
		stopEventRouter: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.routeEvents()
	return l, nil
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventKeyPrefix)+8)
	copy(key, eventKeyPrefix)
	binary.BigEndian.PutUint64(key[len(eventKeyPrefix):], seq)
	return key
}

// Record appends ev to the ledger and fans it out to subscribers. The
// event's ID and timestamp are stamped here.
func (l *Ledger) Record(ev Event) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return errors.New("audit ledger is closed")
	}
	l.mu.RUnlock()

	ev.ID = uuid.NewString()
	ev.At = timestamppb.Now()

	val, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	key := eventKey(l.seq.Add(1))
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	select {
	case l.eventRouter <- ev:
	case <-l.stopEventRouter:
	}
	return nil
}

// Events returns every recorded event in append order.
func (l *Ledger) Events() ([]Event, error) {
	var out []Event
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				var ev Event
				if err := json.Unmarshal(val, &ev); err != nil {
					return err
				}
				out = append(out, ev)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Subscribe returns a channel receiving every event recorded after the
// call. The channel is closed when the ledger shuts down.
func (l *Ledger) Subscribe() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Event, 64)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

func (l *Ledger) routeEvents() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopEventRouter:
			l.mu.Lock()
			for _, ch := range l.subscribers {
				close(ch)
			}
			l.subscribers = nil
			l.mu.Unlock()
			return
		case ev := <-l.eventRouter:
			l.mu.RLock()
			for _, ch := range l.subscribers {
				select {
				case ch <- ev:
				default: // slow subscriber drops events rather than stalling the kernel
				}
			}
			l.mu.RUnlock()
		}
	}
}

// Close stops the router and releases the in-memory store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopEventRouter)
	l.wg.Wait()
	return l.db.Close()
}
