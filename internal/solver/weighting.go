package solver

// Weighting assigns a confidence to each anchor tag. Columns whose weight is
// not positive are left out of the fit.
type Weighting interface {
	Weight(tag string) float64
}

// Uniform weighs every anchor equally; the default.
type Uniform struct{}

func (Uniform) Weight(string) float64 { return 1 }

// TagWeights weighs anchors by tag name. Tags not listed weigh 1.
type TagWeights map[string]float64

func (w TagWeights) Weight(tag string) float64 {
	if v, ok := w[tag]; ok {
		return v
	}
	return 1
}
