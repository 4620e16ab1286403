// Package codegen turns a script source file into an executable gopher-lua
// chunk.
//
// Source files are Lua with two extensions: `#include "path"` lines, which
// are expanded in place (paths relative to the including file), and header
// directives of the form `#Name[value]`, which are collected as metadata and
// blanked out of the generated chunk. Because expansion changes line numbers,
// every Program carries a SourceMap from generated lines back to the
// original file and line; all diagnostics are reported through it.
package codegen

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

var (
	// ErrIncludeCycle indicates a file includes itself, directly or not.
	ErrIncludeCycle = errors.New("include cycle")
	// ErrMalformedDirective indicates an unparsable # directive.
	ErrMalformedDirective = errors.New("malformed directive")
)

// Error is a compile-time diagnostic with its location already resolved to
// the original source.
type Error struct {
	File    string
	Line    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Program is a compiled script.
type Program struct {
	// Path is the entry file as given to Compile.
	Path string
	// ChunkName is the name the interpreter reports in error locations.
	ChunkName string
	// Source is the expanded chunk text.
	Source string
	// Headers holds `#Name[value]` directives, first occurrence wins.
	Headers map[string]string
	// Includes lists every file pulled in, in expansion order, without the
	// entry file.
	Includes []string
	Proto    *lua.FunctionProto
	Map      *SourceMap

	lines []string
}

// Header returns a header directive value.
func (p *Program) Header(name string) (string, bool) {
	v, ok := p.Headers[name]
	return v, ok
}

// Line returns the text of generated line n (1-based).
func (p *Program) Line(n int) (string, bool) {
	if p == nil || n < 1 || n > len(p.lines) {
		return "", false
	}
	return p.lines[n-1], true
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithReadFile overrides how source files are read.
func WithReadFile(fn func(path string) ([]byte, error)) Option {
	return func(c *Compiler) {
		if fn != nil {
			c.readFile = fn
		}
	}
}

// Compiler expands and compiles script sources. It is stateless between
// calls and safe for concurrent use.
type Compiler struct {
	readFile func(path string) ([]byte, error)
}

// NewCompiler constructs a Compiler reading from the local file system by
// default.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{readFile: os.ReadFile}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Compile expands the file at path and compiles it.
func (c *Compiler) Compile(path string) (*Program, error) {
	e := &expansion{
		compiler: c,
		srcMap:   &SourceMap{},
		headers:  make(map[string]string),
	}
	if err := e.expand(filepath.Clean(path), nil, nil); err != nil {
		return nil, err
	}
	return build(path, e.out.String(), e.srcMap, e.headers, e.includes)
}

// CompileString compiles in-memory source. Include directives are resolved
// relative to the directory of name.
func (c *Compiler) CompileString(name, src string) (*Program, error) {
	mem := &Compiler{readFile: func(p string) ([]byte, error) {
		if p == filepath.Clean(name) {
			return []byte(src), nil
		}
		return c.readFile(p)
	}}
	return mem.Compile(name)
}

type expansion struct {
	compiler *Compiler
	out      strings.Builder
	srcMap   *SourceMap
	headers  map[string]string
	includes []string
}

func (e *expansion) expand(path string, stack []string, site *SourcePos) error {
	for _, p := range stack {
		if p == path {
			chain := append(append([]string{}, stack...), path)
			return siteError(path, site, fmt.Sprintf("include cycle: %s", strings.Join(chain, " -> ")), ErrIncludeCycle)
		}
	}

	data, err := e.compiler.readFile(path)
	if err != nil {
		if site != nil {
			return siteError(path, site, fmt.Sprintf("cannot include %q: %v", path, err), err)
		}
		return &Error{File: path, Message: fmt.Sprintf("cannot read source: %v", err), Err: err}
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	inner := append(append([]string(nil), stack...), path)
	for i, line := range lines {
		pos := SourcePos{File: path, Line: i + 1}
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			e.emit(line, pos)
			continue
		}

		if strings.HasPrefix(trimmed, "#include") {
			target, ok := parseInclude(trimmed)
			if !ok {
				return &Error{File: path, Line: pos.Line, Message: "malformed #include directive", Err: ErrMalformedDirective}
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(path), target)
			}
			target = filepath.Clean(target)
			e.includes = append(e.includes, target)
			if err := e.expand(target, inner, &pos); err != nil {
				return err
			}
			continue
		}

		if name, val, ok := parseHeader(trimmed); ok {
			if _, seen := e.headers[name]; !seen {
				e.headers[name] = val
			}
		}
		// Directives are not Lua; keep the line so numbering stays aligned.
		e.emit("", pos)
	}
	return nil
}

func siteError(path string, site *SourcePos, msg string, err error) error {
	if site == nil {
		return &Error{File: path, Message: msg, Err: err}
	}
	return &Error{File: site.File, Line: site.Line, Message: msg, Err: err}
}

func (e *expansion) emit(line string, pos SourcePos) {
	e.srcMap.add(pos)
	e.out.WriteString(line)
	e.out.WriteByte('\n')
}

func build(path, src string, srcMap *SourceMap, headers map[string]string, includes []string) (*Program, error) {
	chunkName := "@" + path
	chunk, err := parse.Parse(strings.NewReader(src), chunkName)
	if err != nil {
		return nil, syntaxError(path, srcMap, err)
	}
	proto, err := lua.Compile(chunk, chunkName)
	if err != nil {
		var cerr *lua.CompileError
		if errors.As(err, &cerr) {
			return nil, located(path, srcMap, cerr.Line, cerr.Message, err)
		}
		return nil, &Error{File: path, Message: err.Error(), Err: err}
	}
	return &Program{
		Path:      path,
		ChunkName: chunkName,
		Source:    src,
		Headers:   headers,
		Includes:  includes,
		Proto:     proto,
		Map:       srcMap,
		lines:     strings.Split(src, "\n"),
	}, nil
}

func syntaxError(path string, srcMap *SourceMap, err error) error {
	var perr *parse.Error
	if !errors.As(err, &perr) {
		return &Error{File: path, Message: strings.TrimSpace(err.Error()), Err: err}
	}
	msg := perr.Message
	if perr.Token != "" {
		msg = fmt.Sprintf("%s near '%s'", perr.Message, perr.Token)
	}
	if perr.Pos.Line < 1 {
		// End of input: attribute to the last generated line.
		if last, ok := srcMap.Lookup(srcMap.Len()); ok {
			return &Error{File: last.File, Line: last.Line, Message: msg + " at end of input", Err: err}
		}
		return &Error{File: path, Message: msg + " at end of input", Err: err}
	}
	return located(path, srcMap, perr.Pos.Line, msg, err)
}

func located(path string, srcMap *SourceMap, line int, msg string, err error) error {
	if pos, ok := srcMap.Lookup(line); ok {
		return &Error{File: pos.File, Line: pos.Line, Message: msg, Err: err}
	}
	return &Error{File: path, Message: msg, Err: err}
}

// parseInclude extracts the quoted path of an #include line.
func parseInclude(line string) (string, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "#include"))
	if len(rest) < 2 || rest[0] != '"' {
		return "", false
	}
	end := strings.IndexByte(rest[1:], '"')
	if end <= 0 {
		return "", false
	}
	return rest[1 : end+1], true
}

// parseHeader parses `#Name[value]`.
func parseHeader(line string) (string, string, bool) {
	open := strings.IndexByte(line, '[')
	if open <= 1 || !strings.HasSuffix(line, "]") {
		return "", "", false
	}
	name := strings.TrimSpace(line[1:open])
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", "", false
	}
	return name, line[open+1 : len(line)-1], true
}
