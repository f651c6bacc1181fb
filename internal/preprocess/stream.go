package preprocess

// StreamDetector runs tool-call detection incrementally over streamed text
// deltas. It keeps a rolling buffer of twice the window size so a call split
// across chunk boundaries is still seen whole, and deduplicates by absolute
// span start so each logical call fires exactly once.
type StreamDetector struct {
	det *Detector

	buf     []byte
	dropped int // bytes trimmed off the front; buf[0] is absolute offset dropped
	seen    map[int]bool
	calls   []Span
}

func newStreamDetector(det *Detector) *StreamDetector {
	return &StreamDetector{det: det, seen: make(map[int]bool)}
}

// Feed appends one text delta and returns any newly detected calls.
func (s *StreamDetector) Feed(delta string) []Span {
	if delta == "" || s.det == nil {
		return nil
	}
	s.buf = append(s.buf, delta...)

	var fresh []Span
	for _, sp := range s.det.Detect(string(s.buf)) {
		abs := s.dropped + sp.Start
		if s.seen[abs] {
			continue
		}
		s.seen[abs] = true
		sp.Start = abs
		sp.End = s.dropped + sp.End
		s.calls = append(s.calls, sp)
		fresh = append(fresh, sp)
	}

	// Trim to the rolling limit. A partially-arrived call whose start falls
	// inside the kept tail is still detected on a later feed.
	limit := 2 * s.det.window
	if len(s.buf) > limit {
		cut := len(s.buf) - limit
		s.dropped += cut
		s.buf = append(s.buf[:0], s.buf[cut:]...)
	}
	return fresh
}

// Detected reports whether any call has fired so far. The caller uses this on
// the final chunk to correct the termination signal.
func (s *StreamDetector) Detected() bool {
	return len(s.calls) > 0
}

// Calls returns every call detected so far, in arrival order.
func (s *StreamDetector) Calls() []Span {
	return s.calls
}
