package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// CUEParser reads CUE blueprint sources. All sources are unified into one
// value whose top-level fields form the blueprint document.
type CUEParser struct {
	ctx *cue.Context
}

func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: cuecontext.New()}
}

// Parse unifies CUE files and package directories. A missing source is an
// error; CUE syntax, unification and concreteness problems are reported in
// the result.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedBlueprint, error) {
	if len(sources) == 0 {
		return nil, errors.New("no sources provided")
	}

	var (
		unified cue.Value
		files   []string
		errs    []ValidationError
	)
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, loaded, loadErrs, err := cp.load(source)
		if err != nil {
			return nil, err
		}
		files = append(files, loaded...)
		errs = append(errs, loadErrs...)

		switch {
		case !val.Exists():
		case unified.Exists():
			unified = unified.Unify(val)
		default:
			unified = val
		}
	}

	if len(errs) > 0 {
		return &ParsedBlueprint{SourceFiles: files, ParsedAt: time.Now(), Errors: errs}, nil
	}
	return cp.extract(unified, files), nil
}

// ParseInline parses CUE text that did not come from a file.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedBlueprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedBlueprint{ParsedAt: time.Now(), Errors: convertCUEErrors(err)}, nil
	}
	return cp.extract(val, nil), nil
}

// load compiles one source. A directory is loaded as a CUE package and
// reports the files it contained.
func (cp *CUEParser) load(source string) (cue.Value, []string, []ValidationError, error) {
	info, err := os.Stat(source)
	if err != nil {
		return cue.Value{}, nil, nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}

	if !info.IsDir() {
		content, err := os.ReadFile(source)
		if err != nil {
			return cue.Value{}, nil, nil, fmt.Errorf("failed to read %s: %w", source, err)
		}
		val := cp.ctx.CompileBytes(content, cue.Filename(source))
		if err := val.Err(); err != nil {
			return cue.Value{}, []string{source}, convertCUEErrors(err), nil
		}
		return val, []string{source}, nil, nil
	}

	insts := load.Instances([]string{source}, nil)
	if len(insts) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: source, Message: "no CUE files found", Severity: "error"}}, nil
	}
	inst := insts[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err), nil
	}

	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, files, convertCUEErrors(err), nil
	}
	return val, files, nil, nil
}

// extract requires val to be concrete and turns it into a generic document.
// Hidden fields and definitions are dropped; numbers stay json.Number.
func (cp *CUEParser) extract(val cue.Value, files []string) *ParsedBlueprint {
	parsed := &ParsedBlueprint{SourceFiles: files, ParsedAt: time.Now()}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed
	}

	raw, err := val.MarshalJSON()
	if err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&parsed.Document); err != nil {
		parsed.Document = nil
		parsed.Errors = []ValidationError{{
			File:     formatSourceFiles(files),
			Message:  fmt.Sprintf("blueprint must be a struct: %v", err),
			Severity: "error",
		}}
	}
	return parsed
}
