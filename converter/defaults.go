package converter

// Priorities used by the default wiring. Higher wins on overlapping pairs.
const (
	PriorityRemote = 10
	PriorityLocal  = 20
)

// NewDefaultRegistry registers every built-in capability.
func NewDefaultRegistry(gotenbergURL, pdfa string) (*Registry, error) {
	r := NewRegistry()
	if err := r.Register(NewGotenberg(gotenbergURL, pdfa), PriorityRemote); err != nil {
		return nil, err
	}
	if err := r.Register(NewImage(), PriorityLocal); err != nil {
		return nil, err
	}
	if err := r.Register(PDFText{}, PriorityLocal); err != nil {
		return nil, err
	}
	return r, nil
}
