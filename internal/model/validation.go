package model

// ValidationLayer names one of the four validator layers.
type ValidationLayer string

const (
	LayerStructural  ValidationLayer = "structural"
	LayerRange       ValidationLayer = "range"
	LayerConsistency ValidationLayer = "consistency"
	LayerDuplicate   ValidationLayer = "duplicate"
)

// Layers lists the validator layers in evaluation order.
var Layers = []ValidationLayer{LayerStructural, LayerRange, LayerConsistency, LayerDuplicate}

// ValidationOutcome is the result of one layer for one candidate.
type ValidationOutcome struct {
	ItemRef int             `json:"item_ref"`
	Layer   ValidationLayer `json:"layer"`
	Passed  bool            `json:"passed"`
	Reason  string          `json:"reason,omitempty"`
}

// Outcomes is the full set of layer outcomes for a candidate.
type Outcomes []ValidationOutcome

// Passed reports whether the given layer passed. A missing layer counts as
// passed.
func (o Outcomes) Passed(layer ValidationLayer) bool {
	for _, v := range o {
		if v.Layer == layer {
			return v.Passed
		}
	}
	return true
}

// Reasons returns the failure reasons across all layers, in layer order.
func (o Outcomes) Reasons() []string {
	var out []string
	for _, v := range o {
		if !v.Passed && v.Reason != "" {
			out = append(out, string(v.Layer)+": "+v.Reason)
		}
	}
	return out
}

// Persistable reports whether the candidate passed the layers that gate
// storage (structural and range).
func (o Outcomes) Persistable() bool {
	return o.Passed(LayerStructural) && o.Passed(LayerRange)
}

// Clean reports whether every layer passed.
func (o Outcomes) Clean() bool {
	for _, v := range o {
		if !v.Passed {
			return false
		}
	}
	return true
}
