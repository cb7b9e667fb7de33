package tooltable

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vcp-gateway/plugin"
)

// Backend persists the whole table. Read returns the records in storage
// order together with the records it had to skip; err is set only when the
// resource as a whole could not be read.
type Backend interface {
	Source() string
	Read(ctx context.Context) (records []Tool, skipped []error, err error)
	Write(ctx context.Context, table Table) error
}

// FileBackend stores the table in a LinuxCNC tool table file:
//
//	T1 P1 X0.5 Z-1.25 D6 ;6mm end mill
type FileBackend struct {
	Path string
}

func (f *FileBackend) Source() string { return f.Path }

// WatchPath is the file a store watches for changes made on disk.
func (f *FileBackend) WatchPath() string { return f.Path }

type watchable interface {
	WatchPath() string
}

func (f *FileBackend) Read(ctx context.Context) ([]Tool, []error, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, nil, plugin.Wrap(plugin.ErrStorage, "read tool table", err)
	}
	defer file.Close()
	return ParseFile(file, f.Path)
}

// ParseFile reads tool records from r. name prefixes record errors.
func ParseFile(r io.Reader, name string) ([]Tool, []error, error) {
	var tools []Tool
	var skipped []error
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		tool, err := parseLine(line)
		if err != nil {
			skipped = append(skipped, &plugin.Error{
				Kind: plugin.ErrParse,
				Op:   "read tool table",
				Msg:  fmt.Sprintf("%s:%d", name, lineNo),
				Err:  err,
			})
			continue
		}
		tools = append(tools, tool)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, plugin.Wrap(plugin.ErrStorage, "read tool table", err)
	}
	return tools, skipped, nil
}

func parseLine(line string) (Tool, error) {
	var tool Tool
	data, remark, _ := strings.Cut(line, ";")
	tool.R = strings.TrimSpace(remark)

	seen := make(map[Column]bool)
	for _, token := range strings.Fields(data) {
		col, err := ParseColumn(token[:1])
		if err != nil || col == ColR {
			return tool, fmt.Errorf("unknown field %q", token)
		}
		if seen[col] {
			return tool, fmt.Errorf("field %s given twice", col)
		}
		seen[col] = true
		value := token[1:]
		switch col {
		case ColT, ColP, ColQ:
			n, err := strconv.Atoi(value)
			if err != nil {
				return tool, fmt.Errorf("field %s: %q is not an integer", col, value)
			}
			_ = tool.Set(col, n)
		default:
			x, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return tool, fmt.Errorf("field %s: %q is not a number", col, value)
			}
			_ = tool.Set(col, x)
		}
	}
	if !seen[ColT] {
		return tool, fmt.Errorf("missing tool number")
	}
	return tool, nil
}

var remarkReplacer = strings.NewReplacer("\r", " ", "\n", " ")

// FormatTool renders one record as a tool table line. Zero geometry fields
// are omitted.
func FormatTool(t Tool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "T%d P%d", t.T, t.P)
	for _, c := range Columns {
		switch c {
		case ColT, ColP, ColR:
			continue
		case ColQ:
			if t.Q != 0 {
				fmt.Fprintf(&b, " Q%d", t.Q)
			}
			continue
		}
		if f := t.axis(c); *f != 0 {
			b.WriteString(" " + string(c) + strconv.FormatFloat(*f, 'f', -1, 64))
		}
	}
	if t.R != "" {
		b.WriteString(" ;" + remarkReplacer.Replace(t.R))
	}
	return b.String()
}

// Write replaces the file atomically: the table goes to a temporary file in
// the same directory, which is synced and renamed over the original.
func (f *FileBackend) Write(ctx context.Context, table Table) error {
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, tool := range table.Rows() {
		if _, err := fmt.Fprintln(w, FormatTool(tool)); err != nil {
			return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
		}
	}
	if err := w.Flush(); err != nil {
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	if info, err := os.Stat(f.Path); err == nil {
		_ = tmp.Chmod(info.Mode().Perm())
	} else {
		_ = tmp.Chmod(0o644)
	}
	if err := tmp.Sync(); err != nil {
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	if err := tmp.Close(); err != nil {
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	committed = true
	return nil
}
