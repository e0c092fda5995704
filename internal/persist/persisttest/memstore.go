// Package persisttest provides an in-memory trip row store for tests.
package persisttest

import (
	"context"
	"errors"
	"sync"

	"transit-ingest/internal/event"
	"transit-ingest/internal/persist"
)

var ErrInjected = errors.New("injected store failure")

// Fault selects where the next transaction fails.
type Fault int

const (
	NoFault Fault = iota
	FailBegin
	FailUpsert
	FailCommit
)

// MemStore keeps committed trip rows in a map keyed like the real table.
type MemStore struct {
	mu        sync.Mutex
	rows      map[event.Key]event.Canonical
	fault     Fault
	failAt    int
	txs       int
	rollbacks int
}

func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[event.Key]event.Canonical)}
}

// FailNext makes the next transaction fail. For FailUpsert, the failure hits
// the upsert with index at (zero based).
func (s *MemStore) FailNext(f Fault, at int) {
	s.mu.Lock()
	s.fault, s.failAt = f, at
	s.mu.Unlock()
}

// Rows returns a copy of the committed rows.
func (s *MemStore) Rows() map[event.Key]event.Canonical {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[event.Key]event.Canonical, len(s.rows))
	for k, v := range s.rows {
		out[k] = v
	}
	return out
}

// Transactions returns how many scopes were opened.
func (s *MemStore) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs
}

// Rollbacks returns how many Rollback calls reached an open transaction.
func (s *MemStore) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

func (s *MemStore) BeginTx(_ context.Context) (persist.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs++
	fault, at := s.fault, s.failAt
	s.fault = NoFault
	if fault == FailBegin {
		return nil, ErrInjected
	}
	return &memTx{store: s, fault: fault, failAt: at}, nil
}

type memTx struct {
	store   *MemStore
	pending []event.Canonical
	fault   Fault
	failAt  int
	done    bool
}

func (tx *memTx) UpsertTrip(_ context.Context, rec event.Canonical) error {
	if tx.fault == FailUpsert && len(tx.pending) == tx.failAt {
		return ErrInjected
	}
	tx.pending = append(tx.pending, rec)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	if tx.fault == FailCommit {
		return ErrInjected
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, rec := range tx.pending {
		tx.store.rows[rec.Key()] = rec
	}
	return nil
}

// Rollback fails on a finished transaction, as database/sql does.
func (tx *memTx) Rollback() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	tx.pending = nil
	tx.store.mu.Lock()
	tx.store.rollbacks++
	tx.store.mu.Unlock()
	return nil
}
