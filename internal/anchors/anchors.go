package anchors

import (
	"errors"
	"fmt"
	"strings"
)

// Point is an anchor position in pixel coordinates of the original image.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

// Table holds anchor coordinates for every tag on every image of a session.
// Anchors[t][i] is the position of tag t on image i, or nil when the tag was
// not placed on that image.
type Table struct {
	Tags    []string   `json:"tags"`
	Anchors [][]*Point `json:"anchors"`

	// session size while no tag exists yet
	images int
}

var (
	errEmptyTag     = errors.New("empty tag name")
	errDuplicateTag = errors.New("duplicate tag name")
	errTagSeparator = errors.New("tag name contains a tab or line break")
	errTagSpace     = errors.New("tag name has leading or trailing space")
)

// validTag rejects names the anchor file cannot store as written.
func validTag(name string) error {
	switch {
	case name == "":
		return errEmptyTag
	case strings.ContainsAny(name, "\t\r\n"):
		return fmt.Errorf("%w: %q", errTagSeparator, name)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: %q", errTagSpace, name)
	}
	return nil
}

// NewTable validates tags and anchors and returns a table that owns them.
func NewTable(tags []string, anchors [][]*Point) (*Table, error) {
	if len(anchors) != len(tags) {
		return nil, fmt.Errorf("anchors: %d tags but %d anchor rows", len(tags), len(anchors))
	}
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if err := validTag(tag); err != nil {
			return nil, err
		}
		if _, ok := seen[tag]; ok {
			return nil, fmt.Errorf("%w: %q", errDuplicateTag, tag)
		}
		seen[tag] = struct{}{}
	}
	for t := 1; t < len(anchors); t++ {
		if len(anchors[t]) != len(anchors[0]) {
			return nil, fmt.Errorf("anchors: tag %q has %d images, expected %d", tags[t], len(anchors[t]), len(anchors[0]))
		}
	}
	return &Table{Tags: tags, Anchors: anchors}, nil
}

// Empty returns a table with no tags for a session of numImages images.
func Empty(numImages int) *Table {
	return &Table{images: numImages}
}

// NumImages reports the session size.
func (t *Table) NumImages() int {
	if len(t.Anchors) == 0 {
		return t.images
	}
	return len(t.Anchors[0])
}

// AddTag appends a tag with no anchors placed yet.
func (t *Table) AddTag(name string) error {
	if err := validTag(name); err != nil {
		return err
	}
	if t.TagIndex(name) >= 0 {
		return fmt.Errorf("%w: %q", errDuplicateTag, name)
	}
	n := t.NumImages()
	t.Tags = append(t.Tags, name)
	t.Anchors = append(t.Anchors, make([]*Point, n))
	return nil
}

// TagIndex returns the column of name, or -1.
func (t *Table) TagIndex(name string) int {
	for i, tag := range t.Tags {
		if tag == name {
			return i
		}
	}
	return -1
}

// Set places (or clears, with a nil point) a tag on an image.
func (t *Table) Set(tag, image int, p *Point) error {
	if err := t.check(tag, image); err != nil {
		return err
	}
	if p != nil {
		cp := *p
		p = &cp
	}
	t.Anchors[tag][image] = p
	return nil
}

// At returns the anchor of a tag on an image, nil when absent or out of range.
func (t *Table) At(tag, image int) *Point {
	if t.check(tag, image) != nil {
		return nil
	}
	return t.Anchors[tag][image]
}

// Row returns the anchors of one image in tag order.
func (t *Table) Row(image int) []*Point {
	row := make([]*Point, len(t.Tags))
	for i := range t.Tags {
		row[i] = t.At(i, image)
	}
	return row
}

// Placed counts the anchors set on an image.
func (t *Table) Placed(image int) int {
	n := 0
	for _, p := range t.Row(image) {
		if p != nil {
			n++
		}
	}
	return n
}

// Equal reports whether two tables hold the same tags and coordinates.
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.Tags) != len(o.Tags) || t.NumImages() != o.NumImages() {
		return false
	}
	for i := range t.Tags {
		if t.Tags[i] != o.Tags[i] {
			return false
		}
		for j := range t.Anchors[i] {
			a, b := t.Anchors[i][j], o.Anchors[i][j]
			if (a == nil) != (b == nil) || (a != nil && *a != *b) {
				return false
			}
		}
	}
	return true
}

func (t *Table) check(tag, image int) error {
	if tag < 0 || tag >= len(t.Tags) {
		return fmt.Errorf("anchors: tag index %d out of range", tag)
	}
	if image < 0 || image >= t.NumImages() {
		return fmt.Errorf("anchors: image index %d out of range", image)
	}
	return nil
}
