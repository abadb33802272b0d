package anchors

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"timealign/internal/fsutil"
)

// ErrMalformedAnchorFile is matched by every MalformedError.
var ErrMalformedAnchorFile = errors.New("malformed anchor file")

const noneLiteral = "None"

// MalformedError locates a problem in an anchor file. Line and Column are
// 1-based; Column is 0 when the whole line is at fault.
type MalformedError struct {
	Line   int
	Column int
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Column > 0 {
		return fmt.Sprintf("%s: line %d, column %d: %s", ErrMalformedAnchorFile, e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("%s: line %d: %s", ErrMalformedAnchorFile, e.Line, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedAnchorFile }

// Parse reads the tab separated anchor format: a header of tag names, then one
// line per image whose fields are "(x, y)" or "None".
func Parse(r io.Reader) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 || lines[0] == "" {
		return nil, &MalformedError{Line: 1, Reason: "missing header"}
	}

	tags := strings.Split(lines[0], "\t")
	seen := make(map[string]struct{}, len(tags))
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
		tag := tags[i]
		if tag == "" {
			return nil, &MalformedError{Line: 1, Column: i + 1, Reason: "empty tag name"}
		}
		if _, ok := seen[tag]; ok {
			return nil, &MalformedError{Line: 1, Column: i + 1, Reason: fmt.Sprintf("duplicate tag %q", tag)}
		}
		seen[tag] = struct{}{}
	}

	rows := lines[1:]
	grid := make([][]*Point, len(tags))
	for t := range grid {
		grid[t] = make([]*Point, len(rows))
	}
	for i, line := range rows {
		lineNo := i + 2
		if strings.TrimSpace(line) == "" {
			return nil, &MalformedError{Line: lineNo, Reason: "blank line"}
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(tags) {
			return nil, &MalformedError{Line: lineNo, Reason: fmt.Sprintf("%d fields, header has %d tags", len(fields), len(tags))}
		}
		for t, field := range fields {
			p, err := parsePoint(field)
			if err != nil {
				return nil, &MalformedError{Line: lineNo, Column: t + 1, Reason: err.Error()}
			}
			grid[t][i] = p
		}
	}
	return &Table{Tags: tags, Anchors: grid, images: len(rows)}, nil
}

func parsePoint(field string) (*Point, error) {
	s := strings.TrimSpace(field)
	if s == noneLiteral {
		return nil, nil
	}
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("unparsable literal %q", field)
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("unparsable literal %q", field)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("unparsable literal %q", field)
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("unparsable literal %q", field)
	}
	return &Point{X: x, Y: y}, nil
}

// Write serialises t in the anchor file format.
func Write(w io.Writer, t *Table) error {
	if len(t.Tags) == 0 {
		return errors.New("anchors: table has no tags")
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(strings.Join(t.Tags, "\t"))
	bw.WriteString("\n")
	for i := 0; i < t.NumImages(); i++ {
		for k, p := range t.Row(i) {
			if k > 0 {
				bw.WriteString("\t")
			}
			if p == nil {
				bw.WriteString(noneLiteral)
			} else {
				bw.WriteString(p.String())
			}
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// Load reads an anchor file. A missing file yields (nil, nil): nothing has
// been picked yet.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Save writes t to path atomically.
func Save(path string, t *Table) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return Write(w, t)
	})
}
