package tasks

import (
	"fmt"

	"timealign/internal/imaging"
	"timealign/internal/imaging/magick"
)

// NewEngine selects an imaging engine by its configured name.
func NewEngine(name, filter string) (imaging.Engine, error) {
	switch name {
	case "", "go":
		e, err := imaging.NewGoEngine(filter)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "magick", "imagemagick":
		e, err := magick.New(filter)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown imaging engine %q", name)
	}
}
