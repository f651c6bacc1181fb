package preprocess

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Span is one detected text-embedded tool call: the byte range of the literal
// in the source text plus the extracted call.
type Span struct {
	Start int
	End   int
	Name  string
	Args  json.RawMessage
}

// Detection window geometry. Calls larger than a window are still captured
// whole: the window only locates the start, extraction reads the full text.
const (
	defaultWindow  = 300
	defaultOverlap = 50
)

// builtinSuppressed are callable tokens that are language builtins; a "call"
// to one of these is code quoted in prose, not tool intent.
var builtinSuppressed = map[string]bool{
	"console": true,
	"json":    true,
	"math":    true,
	"array":   true,
	"object":  true,
	"string":  true,
}

// toolCallRe matches the "Tool call: NAME(" framing used by some
// OpenAI-compatible local servers. The argument blob is extracted separately
// by balanced-brace scanning.
var toolCallRe = regexp.MustCompile(`Tool call:\s*([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// jsonFragments are structural markers that indicate a serialized tool call
// pasted into a text span.
var jsonFragments = []string{
	`"type":"tool_use"`,
	`"type": "tool_use"`,
	`"functionCall":`,
}

// Detector finds text-embedded tool calls with a sliding window.
type Detector struct {
	window  int
	overlap int
	// markers are provider-specific literal framings, each expected to be
	// immediately followed by a JSON object.
	markers []string
}

// NewDetector creates a detector. Extra markers come from the provider's
// server-compat configuration.
func NewDetector(markers []string) *Detector {
	return &Detector{window: defaultWindow, overlap: defaultOverlap, markers: markers}
}

// Detect scans the whole text and returns deduplicated spans in order.
func (d *Detector) Detect(text string) []Span {
	if text == "" {
		return nil
	}
	seen := make(map[int]bool)
	var out []Span

	step := d.window - d.overlap
	for off := 0; ; off += step {
		end := off + d.window
		if end > len(text) {
			end = len(text)
		}
		for _, sp := range d.scanWindow(text, off, end) {
			if seen[sp.Start] {
				continue
			}
			seen[sp.Start] = true
			out = append(out, sp)
		}
		if end == len(text) {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// scanWindow finds candidate starts inside text[off:end]; extraction may run
// past the window boundary.
func (d *Detector) scanWindow(text string, off, end int) []Span {
	window := text[off:end]
	var out []Span

	for _, m := range toolCallRe.FindAllStringSubmatchIndex(window, -1) {
		start := off + m[0]
		name := window[m[2]:m[3]]
		if suppressed(text, start, name) {
			continue
		}
		argStart := off + m[1] - 1 // position of "("
		sp, ok := extractParenCall(text, start, name, argStart)
		if ok {
			out = append(out, sp)
		}
	}

	for _, frag := range jsonFragments {
		idx := 0
		for {
			i := strings.Index(window[idx:], frag)
			if i < 0 {
				break
			}
			abs := off + idx + i
			if sp, ok := extractEnclosingObject(text, abs); ok && !suppressed(text, sp.Start, sp.Name) {
				out = append(out, sp)
			}
			idx += i + len(frag)
		}
	}

	for _, marker := range d.markers {
		idx := 0
		for {
			i := strings.Index(window[idx:], marker)
			if i < 0 {
				break
			}
			abs := off + idx + i
			if sp, ok := extractMarkerCall(text, abs, len(marker)); ok && !suppressed(text, sp.Start, sp.Name) {
				out = append(out, sp)
			}
			idx += i + len(marker)
		}
	}
	return out
}

// suppressed reports whether a candidate is a false positive: a builtin
// callable, or a literal quoted inside surrounding code/prose.
func suppressed(text string, start int, name string) bool {
	if builtinSuppressed[strings.ToLower(name)] {
		return true
	}
	if start > 0 {
		switch text[start-1] {
		case '"', '\'', '`':
			return true
		}
	}
	return false
}

// extractParenCall reads NAME({...}) starting at the opening paren.
func extractParenCall(text string, start int, name string, paren int) (Span, bool) {
	i := paren + 1
	for i < len(text) && (text[i] == ' ' || text[i] == '\n' || text[i] == '\t') {
		i++
	}
	if i >= len(text) || text[i] != '{' {
		return Span{}, false
	}
	objEnd, ok := balancedObjectEnd(text, i)
	if !ok {
		return Span{}, false
	}
	args := json.RawMessage(text[i:objEnd])
	if !json.Valid(args) {
		return Span{}, false
	}
	end := objEnd
	for end < len(text) && (text[end] == ' ' || text[end] == '\n') {
		end++
	}
	if end < len(text) && text[end] == ')' {
		end++
	}
	return Span{Start: start, End: end, Name: name, Args: args}, true
}

// extractEnclosingObject finds the JSON object containing a structural
// fragment and pulls the call out of it.
func extractEnclosingObject(text string, fragIdx int) (Span, bool) {
	for start := fragIdx; start >= 0; start-- {
		if text[start] != '{' {
			continue
		}
		end, ok := balancedObjectEnd(text, start)
		if !ok || end <= fragIdx {
			continue
		}
		name, args, ok := callFromJSON(text[start:end])
		if !ok {
			continue
		}
		return Span{Start: start, End: end, Name: name, Args: args}, true
	}
	return Span{}, false
}

// extractMarkerCall reads the JSON object following a provider marker. The
// span covers marker plus object.
func extractMarkerCall(text string, markerIdx, markerLen int) (Span, bool) {
	i := markerIdx + markerLen
	for i < len(text) && (text[i] == ' ' || text[i] == '\n' || text[i] == '\t') {
		i++
	}
	if i >= len(text) || text[i] != '{' {
		return Span{}, false
	}
	end, ok := balancedObjectEnd(text, i)
	if !ok {
		return Span{}, false
	}
	name, args, ok := callFromJSON(text[i:end])
	if !ok {
		return Span{}, false
	}
	return Span{Start: markerIdx, End: end, Name: name, Args: args}, true
}

// callFromJSON extracts (name, args) from a serialized tool-call object in
// any of the family shapes.
func callFromJSON(blob string) (string, json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(blob), &obj); err != nil {
		return "", nil, false
	}
	// Gemini part shape: {"functionCall": {"name":..., "args":...}}
	if fc, ok := obj["functionCall"]; ok {
		var inner struct {
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(fc, &inner); err != nil || inner.Name == "" {
			return "", nil, false
		}
		return inner.Name, orEmptyObject(inner.Args), true
	}
	var name string
	if raw, ok := obj["name"]; ok {
		if json.Unmarshal(raw, &name) != nil || name == "" {
			return "", nil, false
		}
	} else {
		return "", nil, false
	}
	for _, key := range []string{"input", "arguments", "args"} {
		if raw, ok := obj[key]; ok {
			// Arguments may arrive double-encoded as a JSON string.
			var s string
			if json.Unmarshal(raw, &s) == nil && json.Valid([]byte(s)) {
				return name, json.RawMessage(s), true
			}
			return name, orEmptyObject(raw), true
		}
	}
	return name, json.RawMessage("{}"), true
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// balancedObjectEnd returns the index one past the matching closing brace,
// honoring JSON string escapes.
func balancedObjectEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
