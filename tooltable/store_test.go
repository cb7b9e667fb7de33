package tooltable

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcp-gateway/plugin"
)

type memBackend struct {
	records  []Tool
	skipped  []error
	readErr  error
	writeErr error
	written  Table
}

func (m *memBackend) Source() string { return "memory" }

func (m *memBackend) Read(ctx context.Context) ([]Tool, []error, error) {
	if m.readErr != nil {
		return nil, nil, m.readErr
	}
	return append([]Tool(nil), m.records...), m.skipped, nil
}

func (m *memBackend) Write(ctx context.Context, table Table) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = table.Clone()
	m.records = table.Rows()
	return nil
}

func newFileStore(t *testing.T, content string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.tbl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return New(Config{Backend: &FileBackend{Path: path}}), path
}

func TestStoreRoundTrip(t *testing.T) {
	s, _ := newFileStore(t, sampleTable)
	ctx := context.Background()

	first, err := s.LoadToolTable(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SaveToolTable(ctx, first))
	second, err := s.LoadToolTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStoreLoadInsertsToolZeroAndSkips(t *testing.T) {
	backend := &memBackend{
		records: []Tool{{T: 2, P: 1}, {T: 3, P: 1}, {T: 2, P: 4}, {T: 101}, {T: 4, P: 2}},
		skipped: []error{plugin.Errorf(plugin.ErrParse, "read", "line 9")},
	}
	s := New(Config{Backend: backend})

	table, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, table.Numbers())
	assert.Len(t, s.Skipped(), 4)
	assert.Equal(t, 3, s.count.Value())
}

func TestStoreFailedLoadKeepsTable(t *testing.T) {
	backend := &memBackend{records: []Tool{{T: 0}, {T: 1, P: 1}}}
	s := New(Config{Backend: backend})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	backend.readErr = plugin.Wrap(plugin.ErrStorage, "read", os.ErrPermission)
	_, err = s.LoadToolTable(context.Background())
	assert.True(t, errors.Is(err, plugin.ErrStorage))
	assert.Equal(t, []int{0, 1}, s.ToolTable().Numbers())
	assert.NotEmpty(t, s.lastError.Value())
}

func TestStoreFailedSaveKeepsEdits(t *testing.T) {
	backend := &memBackend{records: []Tool{{T: 0}}}
	s := New(Config{Backend: backend})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	_, ok := s.AddTool()
	require.True(t, ok)
	backend.writeErr = errors.New("disk full")

	err = s.Save(context.Background())
	assert.True(t, errors.Is(err, plugin.ErrStorage))
	assert.True(t, s.Dirty())
	assert.Equal(t, []int{0, 1}, s.ToolTable().Numbers())

	err = s.SaveToolTable(context.Background(), Table{0: NewTool(0)})
	assert.True(t, errors.Is(err, plugin.ErrStorage))
	assert.Equal(t, []int{0, 1}, s.ToolTable().Numbers())

	backend.writeErr = nil
	require.NoError(t, s.Save(context.Background()))
	assert.False(t, s.Dirty())
	assert.Equal(t, []int{0, 1}, backend.written.Numbers())
}

func TestSaveToolTableValidates(t *testing.T) {
	s := New(Config{Backend: &memBackend{}})
	err := s.SaveToolTable(context.Background(), Table{1: {T: 1, P: 2}, 2: {T: 2, P: 2}})
	assert.True(t, errors.Is(err, plugin.ErrInvariant))

	err = s.SaveToolTable(context.Background(), Table{5: {T: 6}})
	assert.True(t, errors.Is(err, plugin.ErrInvariant))

	require.NoError(t, s.SaveToolTable(context.Background(), Table{7: {T: 7, P: 1}}))
	assert.Equal(t, []int{0, 7}, s.ToolTable().Numbers(), "tool 0 is always present")
}

func TestAddToolStopsAtCapacity(t *testing.T) {
	records := []Tool{NewTool(0)}
	for n := 1; n <= MaxTools; n++ {
		records = append(records, NewTool(n))
	}
	s := New(Config{Backend: &memBackend{records: records}})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	before := s.ToolTable()
	_, ok := s.AddTool()
	assert.False(t, ok)
	assert.Equal(t, before, s.ToolTable())
	assert.False(t, s.Dirty())
}

func TestAddToolUsesNextAboveMaximum(t *testing.T) {
	s := New(Config{Backend: &memBackend{records: []Tool{{T: 0}, {T: 3}, {T: 9}}}})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	tool, ok := s.AddTool()
	require.True(t, ok)
	assert.Equal(t, NewTool(10), tool)
	assert.True(t, s.Dirty())
}

func TestRemoveToolProtectsToolZero(t *testing.T) {
	s := New(Config{Backend: &memBackend{records: []Tool{{T: 0}, {T: 1}}}})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	assert.False(t, s.RemoveTool(0))
	assert.Contains(t, s.ToolTable(), 0)
	assert.False(t, s.RemoveTool(5))

	assert.True(t, s.RemoveTool(1))
	assert.Equal(t, []int{0}, s.ToolTable().Numbers())
}

func TestRemoveToolNumber(t *testing.T) {
	s := New(Config{Backend: &memBackend{records: []Tool{{T: 0}, {T: 2}, {T: 4}}}})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	assert.False(t, s.RemoveToolNumber(0))
	assert.False(t, s.RemoveToolNumber(3))
	assert.False(t, s.Dirty())

	assert.True(t, s.RemoveToolNumber(4))
	assert.Equal(t, []int{0, 2}, s.ToolTable().Numbers())
	assert.True(t, s.Dirty())
	assert.False(t, s.RemoveToolNumber(4))
}

func TestRowOrderFollowsToolNumber(t *testing.T) {
	s := New(Config{Backend: &memBackend{records: []Tool{{T: 5}, {T: 1}, {T: 3}}}})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	var got []int
	for row := 0; row < s.RowCount(); row++ {
		tool, ok := s.ToolDataFromRow(row)
		require.True(t, ok)
		got = append(got, tool.T)
	}
	assert.Equal(t, []int{0, 1, 3, 5}, got)

	_, ok := s.ToolDataFromRow(4)
	assert.False(t, ok)
}

func TestClearToolTableKeepsToolZero(t *testing.T) {
	s := New(Config{Backend: &memBackend{records: []Tool{{T: 0, R: "spindle"}, {T: 1}, {T: 2}}}})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	s.ClearToolTable()
	table := s.ToolTable()
	assert.Equal(t, []int{0}, table.Numbers())
	assert.Equal(t, "spindle", table[0].R)
}

func TestSetData(t *testing.T) {
	s := New(Config{Backend: &memBackend{records: []Tool{{T: 0}, {T: 1, P: 1}, {T: 2, P: 2}}}})
	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.SetData(1, ColD, "0.25"))
	v, err := s.Data(1, ColD)
	require.NoError(t, err)
	assert.Equal(t, 0.25, v)

	assert.True(t, errors.Is(s.SetData(1, ColT, 2), plugin.ErrInvariant))
	assert.True(t, errors.Is(s.SetData(0, ColT, 9), plugin.ErrInvariant))
	assert.True(t, errors.Is(s.SetData(2, ColP, 1), plugin.ErrInvariant))
	assert.True(t, errors.Is(s.SetData(1, ColT, 101), plugin.ErrCapacity))
	assert.True(t, errors.Is(s.SetData(1, ColX, "abc"), plugin.ErrTypeMismatch))
	assert.True(t, errors.Is(s.SetData(9, ColX, 1), plugin.ErrNotFound))

	require.NoError(t, s.SetData(2, ColT, 7))
	assert.Equal(t, []int{0, 1, 7}, s.ToolTable().Numbers())
	require.NoError(t, s.SetData(1, ColP, 0))
	require.NoError(t, s.SetData(2, ColP, 0))
}

func TestTableChannelTracksEdits(t *testing.T) {
	s := New(Config{Backend: &memBackend{records: []Tool{{T: 0}}}})
	var sizes []int
	s.TableChannel().OnValueChanged(func(m map[string]any) { sizes = append(sizes, len(m)) })

	_, err := s.LoadToolTable(context.Background())
	require.NoError(t, err)
	s.AddTool()
	s.AddTool()
	s.TableChannel().Flush()

	assert.Equal(t, []int{2, 3}, sizes)
}

func TestStoreLifecycle(t *testing.T) {
	s, path := newFileStore(t, sampleTable)
	s.cfg.SaveOnExit = true
	require.NoError(t, s.Terminate(), "terminate before initialise")

	require.NoError(t, s.Initialise(context.Background()))
	assert.Equal(t, 4, s.RowCount())
	_, ok := s.AddTool()
	require.True(t, ok)

	require.NoError(t, s.Terminate())
	require.NoError(t, s.Terminate())

	reloaded := New(Config{Backend: &FileBackend{Path: path}})
	_, err := reloaded.LoadToolTable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.RowCount(), "unsaved edits flushed on terminate")
}

func TestStoreReloadsChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.tbl")
	require.NoError(t, os.WriteFile(path, []byte("T0 P0\n"), 0o644))
	s := New(Config{Backend: &FileBackend{Path: path}, WatchInterval: 10 * time.Millisecond})
	require.NoError(t, s.Initialise(context.Background()))
	defer s.Terminate()

	require.NoError(t, os.WriteFile(path, []byte("T0 P0\nT1 P1 D3\n"), 0o644))
	require.Eventually(t, func() bool { return s.RowCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

// gatedFile holds every read after the first until release is closed.
type gatedFile struct {
	*FileBackend
	reads    atomic.Int32
	reading  chan struct{}
	release  chan struct{}
	returned chan struct{}
}

func (g *gatedFile) Read(ctx context.Context) ([]Tool, []error, error) {
	if g.reads.Add(1) == 2 {
		close(g.reading)
		<-g.release
		defer close(g.returned)
	}
	return g.FileBackend.Read(ctx)
}

func TestReloadKeepsEditsMadeDuringRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.tbl")
	require.NoError(t, os.WriteFile(path, []byte("T0 P0\n"), 0o644))
	backend := &gatedFile{
		FileBackend: &FileBackend{Path: path},
		reading:     make(chan struct{}),
		release:     make(chan struct{}),
		returned:    make(chan struct{}),
	}
	s := New(Config{Backend: backend, WatchInterval: 10 * time.Millisecond})
	require.NoError(t, s.Initialise(context.Background()))
	defer s.Terminate()

	require.NoError(t, os.WriteFile(path, []byte("T0 P0\nT5 P5\n"), 0o644))
	select {
	case <-backend.reading:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not reload the changed file")
	}

	added, ok := s.AddTool()
	require.True(t, ok)
	require.Equal(t, 1, added.T)
	close(backend.release)
	<-backend.returned

	assert.Never(t, func() bool {
		_, present := s.ToolTable()[1]
		return !present
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.True(t, s.Dirty())
	assert.Equal(t, []int{0, 1}, s.ToolTable().Numbers())
}
