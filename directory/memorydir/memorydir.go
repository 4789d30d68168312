// Package memorydir is an in-process session directory for single-node
// deployments and tests.
package memorydir

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/notifycast/directory"
	"github.com/ggoodman/notifycast/notify"
)

type Directory struct {
	mu      sync.RWMutex
	records map[string]*directory.Record
}

var _ directory.Store = (*Directory)(nil)

func New() *Directory {
	return &Directory{records: make(map[string]*directory.Record)}
}

func (d *Directory) Lookup(ctx context.Context, sessionID string) (*directory.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notify.ErrSessionNotFound, sessionID)
	}
	return rec.Clone(), nil
}

func (d *Directory) Put(_ context.Context, rec *directory.Record) error {
	if rec == nil || rec.SessionID == "" {
		return errors.New("memorydir: record requires a session id")
	}
	d.mu.Lock()
	d.records[rec.SessionID] = rec.Clone()
	d.mu.Unlock()
	return nil
}

func (d *Directory) Delete(_ context.Context, sessionID string) error {
	d.mu.Lock()
	delete(d.records, sessionID)
	d.mu.Unlock()
	return nil
}

func (d *Directory) Deactivate(_ context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", notify.ErrSessionNotFound, sessionID)
	}
	rec.Active = false
	return nil
}
