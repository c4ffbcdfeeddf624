package stability

// Label is a single per-frame observation: either a detected class name or the
// "no detection" marker. The marker never collides with a real class, even one
// literally named like it.
type Label struct {
	name     string
	detected bool
}

// Detected returns an observation for the given class name. An empty name is
// treated as no detection.
func Detected(name string) Label {
	if name == "" {
		return NoDetection()
	}
	return Label{name: name, detected: true}
}

// NoDetection returns the observation recorded for frames without detections.
func NoDetection() Label {
	return Label{}
}

// Name returns the class name and whether the frame had a detection.
func (l Label) Name() (string, bool) {
	return l.name, l.detected
}

// IsNone reports whether l is the no-detection marker.
func (l Label) IsNone() bool {
	return !l.detected
}

// Display returns the label as shown to clients.
func (l Label) Display() string {
	if !l.detected {
		return UnknownLabel
	}
	return l.name
}

// String implements fmt.Stringer.
func (l Label) String() string {
	if !l.detected {
		return "<none>"
	}
	return l.name
}
