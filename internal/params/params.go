package params

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
	"timealign/internal/transform"
)

// Set is the content of a parameter file: one transform per image, all of the
// same kind. Frame is written as the leading comment when set; on read it is
// set only when the file carried one.
type Set struct {
	Kind    transform.Kind
	Frame   *transform.FrameContext
	Entries []transform.Params
}

// NewSet wraps solved transforms. Display sets are re-projected against
// frame, or DisplayFrame when frame is nil, and always record their frame.
func NewSet(kind transform.Kind, frame *transform.FrameContext, transforms []transform.Similarity) (*Set, error) {
	set := &Set{Kind: kind, Frame: frame}
	switch kind {
	case transform.KindRawSimilarity:
		f := transform.DefaultFrame()
		if frame != nil {
			f = *frame
		}
		for _, s := range transforms {
			set.Entries = append(set.Entries, transform.NewRaw(s, f))
		}
	case transform.KindDisplaySimilarity:
		f := transform.DisplayFrame()
		if frame != nil {
			f = *frame
		}
		set.Frame = &f
		for _, s := range transforms {
			set.Entries = append(set.Entries, transform.NewDisplay(s, f))
		}
	default:
		return nil, fmt.Errorf("%w: kind %s", transform.ErrUnsupportedTransform, kind)
	}
	return set, nil
}

// Similarities resolves every entry to raw form.
func (s *Set) Similarities() ([]transform.Similarity, error) {
	out := make([]transform.Similarity, len(s.Entries))
	for i, p := range s.Entries {
		sim, err := p.Similarity()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out[i] = sim
	}
	return out, nil
}

// Write serialises the set: the optional frame comment, the header of
// parameter names, then one tab separated row per image.
func Write(w io.Writer, s *Set) error {
	names := s.Kind.Names()
	if names == nil {
		return fmt.Errorf("%w: kind %s", transform.ErrUnsupportedTransform, s.Kind)
	}
	bw := bufio.NewWriter(w)
	if s.Frame != nil {
		fmt.Fprintln(bw, FrameComment(*s.Frame))
	}
	fmt.Fprintln(bw, strings.Join(names, "\t"))
	for i, p := range s.Entries {
		if p.Kind != s.Kind {
			return fmt.Errorf("entry %d is %s, set is %s", i, p.Kind, s.Kind)
		}
		vals := p.Values()
		fields := make([]string, len(vals))
		for k, v := range vals {
			fields[k] = formatFloat(v)
		}
		fmt.Fprintln(bw, strings.Join(fields, "\t"))
	}
	return bw.Flush()
}

// FrameComment renders the frame comment line.
func FrameComment(f transform.FrameContext) string {
	return fmt.Sprintf("# pad = (%s, %s), dims = (%s, %s)",
		formatFloat(f.PadX), formatFloat(f.PadY), formatFloat(f.Width), formatFloat(f.Height))
}

// Parse reads a parameter file. Only the first comment line is inspected for
// pad and dims; without one every entry gets transform.DefaultFrame.
func Parse(r io.Reader) (*Set, error) {
	return ParseWithFrame(r, transform.DefaultFrame())
}

// ParseWithFrame is Parse with a different frame for files lacking the
// comment line.
func ParseWithFrame(r io.Reader, base transform.FrameContext) (*Set, error) {
	sc := bufio.NewScanner(r)
	set := &Set{}
	frame := base
	sawComment := false
	var header []string
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if !sawComment {
				sawComment = true
				if f, ok := parseFrameComment(line, frame); ok {
					frame = f
					set.Frame = &f
				}
			}
			continue
		}

		fields := strings.Split(line, "\t")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if header == nil {
			kind, err := transform.KindOf(fields)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			header = fields
			set.Kind = kind
			continue
		}

		if len(fields) != len(header) {
			return nil, fmt.Errorf("line %d: %d values, header has %d", lineNo, len(fields), len(header))
		}
		vals := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d, column %d: %q is not a number", lineNo, i+1, f)
			}
			vals[i] = v
		}
		p, err := transform.ParamsFromNames(header, vals, frame)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		set.Entries = append(set.Entries, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, errors.New("parameter file has no header")
	}
	return set, nil
}

// Load reads a parameter file. A missing file yields (nil, nil).
func Load(path string) (*Set, error) {
	return LoadWithFrame(path, transform.DefaultFrame())
}

// LoadWithFrame is Load with a different default frame, see ParseWithFrame.
func LoadWithFrame(path string, base transform.FrameContext) (*Set, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := ParseWithFrame(f, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Save writes s to path atomically.
func Save(path string, s *Set) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return Write(w, s)
	})
}

// parseFrameComment picks pad and dims out of a comment such as
// "# pad = (1000.0, 1000.0), dims = (5000.0, 7000.0)". Keys that are missing
// or malformed keep their value from base.
func parseFrameComment(line string, base transform.FrameContext) (transform.FrameContext, bool) {
	f := base
	found := false
	if v, ok := keyTuple(line, "pad"); ok {
		f.PadX, f.PadY = v[0], v[1]
		found = true
	}
	if v, ok := keyTuple(line, "dims"); ok {
		f.Width, f.Height = v[0], v[1]
		found = true
	}
	return f, found
}

func keyTuple(s, key string) ([2]float64, bool) {
	var out [2]float64
	idx := strings.Index(s, key)
	if idx < 0 {
		return out, false
	}
	expr := strings.TrimSpace(s[idx+len(key):])
	if !strings.HasPrefix(expr, "=") {
		return out, false
	}
	expr = strings.TrimSpace(expr[1:])
	if !strings.HasPrefix(expr, "(") {
		return out, false
	}
	end := strings.Index(expr, ")")
	if end < 0 {
		return out, false
	}
	parts := strings.Split(expr[1:end], ",")
	if len(parts) != 2 {
		return out, false
	}
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return out, false
		}
		out[i] = v
	}
	return out, true
}
