// Package tooltable is the tool table plugin: a sparse table of tool records
// keyed by tool number, persisted wholesale to a file or database.
package tooltable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
)

const Name = "tooltable"

type Config struct {
	Backend Backend
	// SaveOnExit writes unsaved edits when the plugin terminates.
	SaveOnExit bool
	// WatchInterval enables reloading a file backend changed on disk.
	WatchInterval time.Duration
}

// Store owns the authoritative in-memory table. Edits run on the plugin's
// single writer; readers get copies or single records.
type Store struct {
	*plugin.Base
	cfg     Config
	watcher *plugin.FileWatcher

	mu      sync.RWMutex
	table   Table
	dirty   bool
	skipped []error

	count     *plugin.Channel[int]
	modified  *plugin.Channel[bool]
	source    *plugin.Channel[string]
	tableCh   *plugin.Channel[map[string]any]
	lastError *plugin.Channel[string]
}

func New(cfg Config) *Store {
	s := &Store{
		Base:  plugin.NewBase(Name, "tooltable"),
		cfg:   cfg,
		table: Table{0: NewTool(0)},
	}
	s.count = plugin.NewChannel("count", 1)
	s.modified = plugin.NewChannel("dirty", false, plugin.WithTriggerable[bool]())
	s.source = plugin.NewChannel("source", cfg.Backend.Source())
	s.tableCh = plugin.NewChannel("table", s.table.Mapping(), plugin.WithTriggerable[map[string]any]())
	s.lastError = plugin.NewChannel("last_error", "")
	for _, ch := range []plugin.DataChannel{s.count, s.modified, s.source, s.tableCh, s.lastError} {
		s.MustAddChannel(ch)
	}
	if fb, ok := cfg.Backend.(watchable); ok && cfg.WatchInterval > 0 {
		s.watcher = plugin.NewFileWatcher(fb.WatchPath(), cfg.WatchInterval)
	}
	return s
}

// TableChannel is the channel carrying the whole table, changed on every
// load, save and edit.
func (s *Store) TableChannel() *plugin.Channel[map[string]any] { return s.tableCh }

func (s *Store) Initialise(ctx context.Context) error {
	started, err := s.Begin(ctx)
	if !started {
		return err
	}
	if _, err := s.LoadToolTable(ctx); err != nil {
		logrus.Errorf("TT: initial load from %s failed: %v", s.cfg.Backend.Source(), err)
	}
	if s.watcher != nil {
		s.watcher.Mark()
		s.Go(s.watch)
	}
	return nil
}

func (s *Store) Terminate() error {
	if !s.End() {
		return nil
	}
	if s.cfg.SaveOnExit && s.Dirty() {
		logrus.Infof("TT: saving unsaved tool table edits to %s", s.cfg.Backend.Source())
		return s.Save(context.Background())
	}
	return nil
}

func (s *Store) watch(ctx context.Context) {
	s.watcher.Run(ctx, func() {
		if s.Dirty() {
			logrus.Warnf("TT: %s changed on disk, keeping unsaved edits", s.watcher.Path())
			return
		}
		if _, _, err := s.load(ctx, true); err != nil {
			logrus.Errorf("TT: reload failed: %v", err)
		}
	})
}

// publish pushes the current table state to the channels. Callers hold the
// writer.
func (s *Store) publish() {
	s.mu.RLock()
	count, dirty, mapping := len(s.table), s.dirty, s.table.Mapping()
	s.mu.RUnlock()
	s.count.Set(count)
	s.modified.Set(dirty)
	s.tableCh.Set(mapping)
}

func (s *Store) fail(err error) error {
	s.lastError.Set(err.Error())
	return err
}

// assemble builds a table from backend records, skipping records that break
// the table invariants.
func assemble(records []Tool) (Table, []error) {
	table := make(Table, len(records)+1)
	pockets := make(map[int]int)
	var skipped []error
	for _, t := range records {
		switch {
		case t.T < 0 || t.T > MaxTools:
			skipped = append(skipped, plugin.Errorf(plugin.ErrCapacity, "load", "tool number %d outside 0..%d", t.T, MaxTools))
			continue
		case hasTool(table, t.T):
			skipped = append(skipped, plugin.Errorf(plugin.ErrInvariant, "load", "duplicate tool %d", t.T))
			continue
		}
		if t.P != 0 {
			if other, dup := pockets[t.P]; dup {
				skipped = append(skipped, plugin.Errorf(plugin.ErrInvariant, "load", "tool %d: pocket %d already holds tool %d", t.T, t.P, other))
				continue
			}
			pockets[t.P] = t.T
		}
		table[t.T] = t
	}
	if !hasTool(table, 0) {
		table[0] = NewTool(0)
	}
	return table, skipped
}

func hasTool(t Table, n int) bool {
	_, ok := t[n]
	return ok
}

// LoadToolTable reads the table fresh from the backend and replaces the
// in-memory table. Malformed records are skipped and logged; see Skipped.
// On error the previous table is kept.
func (s *Store) LoadToolTable(ctx context.Context) (Table, error) {
	table, _, err := s.load(ctx, false)
	return table, err
}

// load reads the backend and installs the result. With keepEdits the
// replacement is abandoned when the table has unsaved edits by the time the
// read finished; kept then reports true.
func (s *Store) load(ctx context.Context, keepEdits bool) (snapshot Table, kept bool, err error) {
	records, recErrs, err := s.cfg.Backend.Read(ctx)
	if err != nil {
		s.Do(func() error { return s.fail(err) })
		return nil, false, err
	}
	table, invErrs := assemble(records)
	skipped := append(recErrs, invErrs...)

	s.Do(func() error {
		s.mu.Lock()
		if keepEdits && s.dirty {
			kept = true
			s.mu.Unlock()
			return nil
		}
		s.table = table
		s.dirty = false
		s.skipped = skipped
		snapshot = table.Clone()
		s.mu.Unlock()
		s.lastError.Set("")
		s.publish()
		return nil
	})
	if kept {
		logrus.Warnf("TT: %s changed on disk, keeping unsaved edits", s.cfg.Backend.Source())
		return nil, true, nil
	}
	for _, e := range skipped {
		logrus.Warnf("TT: skipping record: %v", e)
	}
	logrus.Infof("TT: loaded %d tools from %s", len(table), s.cfg.Backend.Source())
	return snapshot, false, nil
}

// Skipped returns the records dropped by the last successful load.
func (s *Store) Skipped() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]error(nil), s.skipped...)
}

// SaveToolTable writes table to the backend and adopts it as the in-memory
// table. On failure the in-memory table is left as it was.
func (s *Store) SaveToolTable(ctx context.Context, table Table) error {
	table = table.Clone()
	if !hasTool(table, 0) {
		table[0] = NewTool(0)
	}
	if err := table.Validate(); err != nil {
		return err
	}
	return s.Do(func() error {
		if err := s.write(ctx, table); err != nil {
			return err
		}
		s.mu.Lock()
		s.table = table
		s.dirty = false
		s.mu.Unlock()
		s.publish()
		return nil
	})
}

// Save writes the current in-memory table.
func (s *Store) Save(ctx context.Context) error {
	return s.Do(func() error {
		table := s.ToolTable()
		if err := s.write(ctx, table); err != nil {
			return err
		}
		s.mu.Lock()
		s.dirty = false
		s.mu.Unlock()
		s.publish()
		return nil
	})
}

func (s *Store) write(ctx context.Context, table Table) error {
	if err := s.cfg.Backend.Write(ctx, table); err != nil {
		if !errors.Is(err, plugin.ErrStorage) {
			err = plugin.Wrap(plugin.ErrStorage, "save tool table", err)
		}
		logrus.Errorf("TT: %v", err)
		return s.fail(err)
	}
	if s.watcher != nil {
		s.watcher.Mark()
	}
	s.lastError.Set("")
	logrus.Infof("TT: saved %d tools to %s", len(table), s.cfg.Backend.Source())
	return nil
}

// ToolTable returns a copy of the in-memory table.
func (s *Store) ToolTable() Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Clone()
}

func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// NewTool returns an empty record for tool n.
func (s *Store) NewTool(n int) Tool {
	return NewTool(n)
}

// RowCount is the number of rows in the row view.
func (s *Store) RowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// toolAtRow maps a row to a tool number. Rows follow ascending tool number,
// tool 0 included. Callers hold s.mu.
func (s *Store) toolAtRow(row int) (int, bool) {
	nums := s.table.Numbers()
	if row < 0 || row >= len(nums) {
		return 0, false
	}
	return nums[row], true
}

// ToolDataFromRow returns the record shown at row.
func (s *Store) ToolDataFromRow(row int) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.toolAtRow(row)
	if !ok {
		return Tool{}, false
	}
	return s.table[n], true
}

// PocketOf returns the pocket of tool n.
func (s *Store) PocketOf(n int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.PocketOf(n)
}

// edit runs fn against the live table on the writer and republishes when fn
// reports a change.
func (s *Store) edit(fn func(t Table) (changed bool, err error)) error {
	return s.Do(func() error {
		s.mu.Lock()
		changed, err := fn(s.table)
		if changed {
			s.dirty = true
		}
		s.mu.Unlock()
		if changed {
			s.publish()
		}
		return err
	})
}

// AddTool appends a tool numbered one above the current maximum. It returns
// false, leaving the table alone, once that number would exceed MaxTools.
func (s *Store) AddTool() (Tool, bool) {
	var added Tool
	var ok bool
	s.edit(func(t Table) (bool, error) {
		nums := t.Numbers()
		next := 0
		if len(nums) > 0 {
			next = nums[len(nums)-1] + 1
		}
		if next > MaxTools {
			return false, nil
		}
		added, ok = NewTool(next), true
		t[next] = added
		return true, nil
	})
	return added, ok
}

// RemoveTool deletes the tool at row. Tool 0 is never removed.
func (s *Store) RemoveTool(row int) bool {
	removed := false
	s.edit(func(t Table) (bool, error) {
		n, ok := s.toolAtRow(row)
		if !ok || n == 0 {
			return false, nil
		}
		delete(t, n)
		removed = true
		return true, nil
	})
	return removed
}

// RemoveToolNumber removes tool n. Tool 0 stays; false when n is 0 or not in
// the table.
func (s *Store) RemoveToolNumber(n int) bool {
	removed := false
	s.edit(func(t Table) (bool, error) {
		if n == 0 || !hasTool(t, n) {
			return false, nil
		}
		delete(t, n)
		removed = true
		return true, nil
	})
	return removed
}

// ClearToolTable removes every tool except tool 0.
func (s *Store) ClearToolTable() {
	s.edit(func(t Table) (bool, error) {
		changed := false
		for n := range t {
			if n != 0 {
				delete(t, n)
				changed = true
			}
		}
		if !hasTool(t, 0) {
			t[0] = NewTool(0)
			changed = true
		}
		return changed, nil
	})
}

// Data returns one cell of the row view.
func (s *Store) Data(row int, col Column) (any, error) {
	tool, ok := s.ToolDataFromRow(row)
	if !ok {
		return nil, plugin.Errorf(plugin.ErrNotFound, "data", "no row %d", row)
	}
	return tool.Get(col)
}

// SetData edits one cell. Changing a tool number to one already in use,
// renumbering tool 0 or reusing a non-zero pocket is rejected.
func (s *Store) SetData(row int, col Column, value any) error {
	return s.edit(func(t Table) (bool, error) {
		n, ok := s.toolAtRow(row)
		if !ok {
			return false, plugin.Errorf(plugin.ErrNotFound, "set data", "no row %d", row)
		}
		tool := t[n]
		if err := tool.Set(col, value); err != nil {
			return false, err
		}
		if tool == t[n] {
			return false, nil
		}
		switch col {
		case ColT:
			switch {
			case n == 0:
				return false, plugin.Errorf(plugin.ErrInvariant, "set data", "tool 0 cannot be renumbered")
			case tool.T < 1 || tool.T > MaxTools:
				return false, plugin.Errorf(plugin.ErrCapacity, "set data", "tool number %d outside 1..%d", tool.T, MaxTools)
			case hasTool(t, tool.T):
				return false, plugin.Errorf(plugin.ErrInvariant, "set data", "tool %d already exists", tool.T)
			}
			delete(t, n)
		case ColP:
			if tool.P != 0 {
				for other, o := range t {
					if other != n && o.P == tool.P {
						return false, plugin.Errorf(plugin.ErrInvariant, "set data", "pocket %d already holds tool %d", tool.P, other)
					}
				}
			}
		}
		t[tool.T] = tool
		return true, nil
	})
}

// String describes the store for logs.
func (s *Store) String() string {
	return fmt.Sprintf("tooltable(%s, %d tools)", s.cfg.Backend.Source(), s.RowCount())
}
