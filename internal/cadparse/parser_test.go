package cadparse

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPassthroughAcceptsJSON(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plan.json")
	if err := os.WriteFile(src, []byte("[]"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := PassthroughParser{}.Convert(context.Background(), src)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out != src {
		t.Errorf("artifact = %q, want %q", out, src)
	}
}

func TestPassthroughRejectsDrawings(t *testing.T) {
	_, err := PassthroughParser{}.Convert(context.Background(), "/tmp/plan.dwg")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
}

func TestForFileSelectsByExtension(t *testing.T) {
	if _, ok := ForFile("a.json", "dwgread").(PassthroughParser); !ok {
		t.Error("json artifact did not select the passthrough parser")
	}
	if _, ok := ForFile("a.dwg", "dwgread").(*ExecParser); !ok {
		t.Error("dwg file did not select the exec parser")
	}
}

func TestExecParserTemplateExpansion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh-style tooling")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "plan.dwg")
	if err := os.WriteFile(src, []byte("stub"), 0644); err != nil {
		t.Fatal(err)
	}

	// cp stands in for the converter: it "converts" by copying the source
	// to the artifact path the template names.
	p := NewExecParser("cp {in} {out}")
	out, err := p.Convert(context.Background(), src)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := filepath.Join(dir, "plan.json")
	if out != want {
		t.Errorf("artifact = %q, want %q", out, want)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("artifact not written: %v", err)
	}
}

func TestExecParserFailureIsParseError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh-style tooling")
	}
	p := NewExecParser("false {in} {out}")
	_, err := p.Convert(context.Background(), "/tmp/plan.dwg")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
}

func TestExecParserNoCommand(t *testing.T) {
	p := NewExecParser("")
	_, err := p.Convert(context.Background(), "/tmp/plan.dwg")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
}
