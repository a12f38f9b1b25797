package converter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func fakeLookPath(present ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, p := range present {
			if p == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestLookup(t *testing.T) {
	r := NewRegistry(WithLookPath(fakeLookPath("qpdf")))
	RegisterDefaults(r)

	if _, err := r.Lookup("pdf-merge"); err != nil {
		t.Errorf("Expected pdf-merge available, got %v", err)
	}
	if _, err := r.Lookup("webp"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable for webp, got %v", err)
	}
	if _, err := r.Lookup("copy"); err != nil {
		t.Errorf("Expected builtin copy to be available, got %v", err)
	}
	if _, err := r.Lookup("teleport"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Expected ErrUnknownTool, got %v", err)
	}
}

func TestListIsSortedAndReportsAvailability(t *testing.T) {
	r := NewRegistry(WithLookPath(fakeLookPath("cwebp")))
	RegisterDefaults(r)

	infos := r.List()
	if len(infos) != 8 {
		t.Fatalf("Expected 8 tools, got %d", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].Name > infos[i].Name {
			t.Errorf("List not sorted: %s before %s", infos[i-1].Name, infos[i].Name)
		}
	}
	for _, info := range infos {
		switch info.Name {
		case "webp", "copy":
			if !info.Available {
				t.Errorf("Expected %s available", info.Name)
			}
		case "avif":
			if info.Available || !info.Async {
				t.Errorf("Expected avif async and unavailable, got %+v", info)
			}
		}
	}
}

func TestCopyTool(t *testing.T) {
	dir := t.TempDir()
	in1 := filepath.Join(dir, "a.txt")
	in2 := filepath.Join(dir, "b.bin")
	os.WriteFile(in1, []byte("alpha"), 0o644)
	os.WriteFile(in2, []byte("beta"), 0o644)

	outDir := t.TempDir()
	outputs, err := CopyTool().Run(context.Background(), Request{Inputs: []string{in1, in2}, OutputDir: outDir})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("Expected 2 outputs, got %v", outputs)
	}
	if filepath.Base(outputs[0]) != "copy-1.txt" || filepath.Base(outputs[1]) != "copy-2.bin" {
		t.Errorf("Unexpected output names %v", outputs)
	}
	data, _ := os.ReadFile(outputs[1])
	if string(data) != "beta" {
		t.Errorf("Expected copied content, got %q", data)
	}
}

func TestCopyToolMissingInput(t *testing.T) {
	_, err := CopyTool().Run(context.Background(), Request{
		Inputs:    []string{filepath.Join(t.TempDir(), "missing")},
		OutputDir: t.TempDir(),
	})
	if err == nil {
		t.Error("Expected missing input to fail")
	}
}

func TestParams(t *testing.T) {
	p := Params{"width": "640", "quality": "abc", "format": "JPG"}

	if v, err := p.Int("width", 0, 0, 1000); err != nil || v != 640 {
		t.Errorf("Expected 640, got %d (%v)", v, err)
	}
	if v, err := p.Int("height", 7, 0, 1000); err != nil || v != 7 {
		t.Errorf("Expected default 7, got %d (%v)", v, err)
	}
	if _, err := p.Int("quality", 0, 0, 100); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected ErrInvalidParams, got %v", err)
	}
	if _, err := p.Int("width", 0, 0, 100); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected out of range to fail, got %v", err)
	}
	if v, err := p.OneOf("format", "png", "png", "jpg"); err != nil || v != "jpg" {
		t.Errorf("Expected jpg, got %s (%v)", v, err)
	}
	if _, err := (Params{"format": "bmp"}).OneOf("format", "png", "png", "jpg"); err == nil {
		t.Error("Expected unsupported format to fail")
	}
}

func TestCheckParams(t *testing.T) {
	r := NewRegistry(WithLookPath(fakeLookPath("qrencode", "magick")))
	RegisterDefaults(r)

	qr, _ := r.Lookup("qr")
	if err := qr.CheckParams(Params{}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected missing text to fail, got %v", err)
	}
	if err := qr.CheckParams(Params{"text": "hello"}); err != nil {
		t.Errorf("Expected valid qr params, got %v", err)
	}

	resize, _ := r.Lookup("image-resize")
	if err := resize.CheckParams(Params{"width": "-1"}); err == nil {
		t.Error("Expected negative width to fail")
	}
}

func TestGeometry(t *testing.T) {
	if g := (resizeOptions{width: 100}).geometry(); g != "100x" {
		t.Errorf("Unexpected geometry %s", g)
	}
	if g := (resizeOptions{width: 100, height: 50}).geometry(); g != "100x50" {
		t.Errorf("Unexpected geometry %s", g)
	}
}

func TestCollectOutputsOrdersPages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"page-10.png", "page-02.png", "page-01.png"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
	}
	outs, err := collectOutputs(dir, "page-*.png")
	if err != nil {
		t.Fatalf("Failed to collect: %v", err)
	}
	want := []string{"page-01.png", "page-02.png", "page-10.png"}
	for i, w := range want {
		if filepath.Base(outs[i]) != w {
			t.Errorf("Position %d: expected %s, got %s", i, w, filepath.Base(outs[i]))
		}
	}

	if _, err := collectOutputs(t.TempDir(), "page-*.png"); err == nil {
		t.Error("Expected empty output dir to fail")
	}
}

func TestCommandErrorIncludesStderr(t *testing.T) {
	err := &CommandError{Command: "qpdf", ExitCode: 2, Stderr: "  bad pdf\n", Err: errors.New("exit status 2")}
	if got := err.Error(); got != "qpdf failed (exit=2): bad pdf" {
		t.Errorf("Unexpected message %q", got)
	}
	if errors.Unwrap(err) == nil {
		t.Error("Expected wrapped error")
	}
}
