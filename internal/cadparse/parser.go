// Package cadparse is the boundary to the external CAD converters. The
// pipeline never parses DWG/DXF bytes itself; it hands the file to a
// configured converter command and consumes the JSON artifact it produces.
package cadparse

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"cadgraph/internal/logging"
)

// ParseError means the external parser could not produce an artifact.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser converts one CAD file into a JSON entity artifact and returns the
// artifact path.
type Parser interface {
	Convert(ctx context.Context, src string) (string, error)
}

// ExecParser shells out to a converter command. The command template expands
// {in} to the source file and {out} to the artifact path, dwgread-style:
// "dwgread -O JSON -o {out} {in}".
type ExecParser struct {
	Command string
}

// NewExecParser returns a parser around the configured command template.
func NewExecParser(command string) *ExecParser {
	return &ExecParser{Command: command}
}

func (p *ExecParser) Convert(ctx context.Context, src string) (string, error) {
	if p.Command == "" {
		return "", &ParseError{Path: src, Err: fmt.Errorf("no parser command configured")}
	}
	out := artifactPath(src)

	fields := strings.Fields(p.Command)
	args := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, "{in}", src)
		f = strings.ReplaceAll(f, "{out}", out)
		args = append(args, f)
	}
	if len(args) == 0 {
		return "", &ParseError{Path: src, Err: fmt.Errorf("empty parser command")}
	}

	timer := logging.StartTimer(logging.CategoryParse, "Convert "+filepath.Base(src))
	defer timer.StopWithInfo()
	logging.Parse("running %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Surface the converter's own diagnostics; they are usually the
		// only clue for a corrupt drawing.
		msg := strings.TrimSpace(string(output))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return "", &ParseError{Path: src, Err: fmt.Errorf("%w: %s", err, msg)}
	}
	if _, err := os.Stat(out); err != nil {
		return "", &ParseError{Path: src, Err: fmt.Errorf("converter exited cleanly but produced no artifact: %w", err)}
	}
	return out, nil
}

// PassthroughParser accepts artifacts that are already JSON. It backs the
// development path where a drawing was converted out of band.
type PassthroughParser struct{}

func (PassthroughParser) Convert(ctx context.Context, src string) (string, error) {
	if !strings.EqualFold(filepath.Ext(src), ".json") {
		return "", &ParseError{Path: src, Err: fmt.Errorf("passthrough parser accepts only .json artifacts, got %s", filepath.Ext(src))}
	}
	if _, err := os.Stat(src); err != nil {
		return "", &ParseError{Path: src, Err: err}
	}
	return src, nil
}

// ForFile selects the parser for a staged upload: JSON artifacts pass
// through, drawings go to the converter.
func ForFile(src, command string) Parser {
	if strings.EqualFold(filepath.Ext(src), ".json") {
		return PassthroughParser{}
	}
	return NewExecParser(command)
}

func artifactPath(src string) string {
	base := strings.TrimSuffix(src, filepath.Ext(src))
	return base + ".json"
}
