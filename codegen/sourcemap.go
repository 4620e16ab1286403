package codegen

import (
	"fmt"
	"regexp"
	"strconv"
)

// SourcePos is a location in an original (pre-expansion) source file.
type SourcePos struct {
	File string
	Line int
}

func (p SourcePos) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// SourceMap maps generated chunk lines (1-based) back to their original
// file and line.
type SourceMap struct {
	positions []SourcePos
}

func (m *SourceMap) add(pos SourcePos) {
	m.positions = append(m.positions, pos)
}

// Len returns the number of generated lines.
func (m *SourceMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.positions)
}

// Lookup resolves a generated line. It reports false for lines outside the
// chunk.
func (m *SourceMap) Lookup(line int) (SourcePos, bool) {
	if m == nil || line < 1 || line > len(m.positions) {
		return SourcePos{}, false
	}
	return m.positions[line-1], true
}

// Rewrite replaces every "<chunk>:<line>:" location inside msg with the
// original "<file>:<line>:". Locations that cannot be resolved are left
// untouched.
func (m *SourceMap) Rewrite(chunkName, msg string) string {
	if m == nil || chunkName == "" {
		return msg
	}
	re := locationPattern(chunkName)
	return re.ReplaceAllStringFunc(msg, func(loc string) string {
		sub := re.FindStringSubmatch(loc)
		line, err := strconv.Atoi(sub[1])
		if err != nil {
			return loc
		}
		pos, ok := m.Lookup(line)
		if !ok {
			return loc
		}
		return pos.String() + ":"
	})
}

// FirstPos returns the original position of the first chunk location found
// in msg.
func (m *SourceMap) FirstPos(chunkName, msg string) (SourcePos, bool) {
	line, ok := GeneratedLine(chunkName, msg)
	if !ok {
		return SourcePos{}, false
	}
	return m.Lookup(line)
}

// GeneratedLine extracts the generated line number of the first
// "<chunk>:<line>:" location in msg.
func GeneratedLine(chunkName, msg string) (int, bool) {
	if chunkName == "" {
		return 0, false
	}
	sub := locationPattern(chunkName).FindStringSubmatch(msg)
	if sub == nil {
		return 0, false
	}
	line, err := strconv.Atoi(sub[1])
	if err != nil {
		return 0, false
	}
	return line, true
}

func locationPattern(chunkName string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(chunkName) + `:(\d+):`)
}
