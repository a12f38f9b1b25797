package converter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"fileforge/logger"
)

var imageTypes = []string{"image/png", "image/jpeg", "image/webp", "image/gif", "image/tiff", "image/bmp"}

var pdfTypes = []string{"application/pdf"}

// RegisterDefaults registers the built-in tool set.
func RegisterDefaults(r *Registry) {
	r.Register(imageResizeTool())
	r.Register(webpTool())
	r.Register(avifTool())
	r.Register(pdfMergeTool())
	r.Register(pdfSplitTool())
	r.Register(pdfToImagesTool())
	r.Register(qrTool())
	r.Register(CopyTool())
}

type resizeOptions struct {
	width, height, quality int
	format                 string
}

func parseResize(p Params) (o resizeOptions, err error) {
	if o.width, err = p.Int("width", 0, 0, 16384); err != nil {
		return o, err
	}
	if o.height, err = p.Int("height", 0, 0, 16384); err != nil {
		return o, err
	}
	if o.quality, err = p.Int("quality", 85, 1, 100); err != nil {
		return o, err
	}
	o.format, err = p.OneOf("format", "png", "png", "jpg", "webp", "gif", "tiff")
	return o, err
}

// geometry renders an ImageMagick resize geometry; zero sides keep aspect.
func (o resizeOptions) geometry() string {
	var w, h string
	if o.width > 0 {
		w = strconv.Itoa(o.width)
	}
	if o.height > 0 {
		h = strconv.Itoa(o.height)
	}
	return w + "x" + h
}

func imageResizeTool() Tool {
	return Tool{
		Name:        "image-resize",
		Description: "Resize and re-encode an image with ImageMagick",
		Command:     "magick",
		MinInputs:   1,
		MaxInputs:   1,
		Accept:      imageTypes,
		CheckParams: func(p Params) error { _, err := parseResize(p); return err },
		Run: func(ctx context.Context, req Request) ([]string, error) {
			o, err := parseResize(req.Params)
			if err != nil {
				return nil, err
			}
			out := filepath.Join(req.OutputDir, "output."+o.format)
			args := []string{req.Inputs[0]}
			if o.width > 0 || o.height > 0 {
				args = append(args, "-resize", o.geometry())
			}
			args = append(args, "-quality", strconv.Itoa(o.quality), fmt.Sprintf("%s:%s", o.format, out))
			if err := runCommand(ctx, "magick", args...); err != nil {
				return nil, err
			}
			return []string{out}, nil
		},
	}
}

type encodeOptions struct {
	quality, speed, width, height int
}

func parseEncode(p Params, defQuality, maxSpeed, defSpeed int) (o encodeOptions, err error) {
	if o.quality, err = p.Int("quality", defQuality, 0, 100); err != nil {
		return o, err
	}
	if o.speed, err = p.Int("speed", defSpeed, 0, maxSpeed); err != nil {
		return o, err
	}
	if o.width, err = p.Int("width", 0, 0, 16384); err != nil {
		return o, err
	}
	o.height, err = p.Int("height", 0, 0, 16384)
	return o, err
}

func webpTool() Tool {
	return Tool{
		Name:        "webp",
		Description: "Encode an image to WebP with cwebp",
		Command:     "cwebp",
		MinInputs:   1,
		MaxInputs:   1,
		Accept:      []string{"image/png", "image/jpeg", "image/tiff", "image/webp"},
		CheckParams: func(p Params) error { _, err := parseEncode(p, 80, 6, 4); return err },
		Run: func(ctx context.Context, req Request) ([]string, error) {
			o, err := parseEncode(req.Params, 80, 6, 4)
			if err != nil {
				return nil, err
			}
			out := filepath.Join(req.OutputDir, "output.webp")
			args := []string{"-q", strconv.Itoa(o.quality), "-m", strconv.Itoa(o.speed)}
			if o.width > 0 || o.height > 0 {
				args = append(args, "-resize", strconv.Itoa(o.width), strconv.Itoa(o.height))
			}
			args = append(args, req.Inputs[0], "-o", out)
			if err := runCommand(ctx, "cwebp", args...); err != nil {
				return nil, err
			}
			return []string{out}, nil
		},
	}
}

func avifTool() Tool {
	return Tool{
		Name:        "avif",
		Description: "Encode an image to AVIF with avifenc",
		Command:     "avifenc",
		Async:       true,
		MinInputs:   1,
		MaxInputs:   1,
		Accept:      []string{"image/png", "image/jpeg"},
		CheckParams: func(p Params) error { _, err := parseEncode(p, 60, 10, 6); return err },
		Run: func(ctx context.Context, req Request) ([]string, error) {
			o, err := parseEncode(req.Params, 60, 10, 6)
			if err != nil {
				return nil, err
			}
			// avifenc quantizers run 0 (best) to 63
			q := strconv.Itoa((100 - o.quality) * 63 / 100)
			out := filepath.Join(req.OutputDir, "output.avif")
			args := []string{"--min", q, "--max", q, "--speed", strconv.Itoa(o.speed), req.Inputs[0], out}
			if err := runCommand(ctx, "avifenc", args...); err != nil {
				return nil, err
			}
			return []string{out}, nil
		},
	}
}

func pdfMergeTool() Tool {
	return Tool{
		Name:        "pdf-merge",
		Description: "Concatenate PDFs in upload order with qpdf",
		Command:     "qpdf",
		Async:       true,
		MinInputs:   2,
		Accept:      pdfTypes,
		Run: func(ctx context.Context, req Request) ([]string, error) {
			out := filepath.Join(req.OutputDir, "merged.pdf")
			args := append([]string{"--empty", "--pages"}, req.Inputs...)
			args = append(args, "--", out)
			if err := runCommand(ctx, "qpdf", args...); err != nil {
				return nil, err
			}
			return []string{out}, nil
		},
	}
}

func pdfSplitTool() Tool {
	return Tool{
		Name:        "pdf-split",
		Description: "Split a PDF into one file per page with qpdf",
		Command:     "qpdf",
		Async:       true,
		MinInputs:   1,
		MaxInputs:   1,
		Accept:      pdfTypes,
		Run: func(ctx context.Context, req Request) ([]string, error) {
			// qpdf writes page-01.pdf, page-02.pdf, ...
			pattern := filepath.Join(req.OutputDir, "page.pdf")
			if err := runCommand(ctx, "qpdf", "--split-pages", req.Inputs[0], pattern); err != nil {
				return nil, err
			}
			return collectOutputs(req.OutputDir, "page-*.pdf")
		},
	}
}

func pdfToImagesTool() Tool {
	parse := func(p Params) (int, error) { return p.Int("dpi", 150, 36, 600) }
	return Tool{
		Name:        "pdf-to-images",
		Description: "Render every PDF page to PNG with pdftoppm",
		Command:     "pdftoppm",
		Async:       true,
		MinInputs:   1,
		MaxInputs:   1,
		Accept:      pdfTypes,
		CheckParams: func(p Params) error { _, err := parse(p); return err },
		Run: func(ctx context.Context, req Request) ([]string, error) {
			dpi, err := parse(req.Params)
			if err != nil {
				return nil, err
			}
			prefix := filepath.Join(req.OutputDir, "page")
			if err := runCommand(ctx, "pdftoppm", "-png", "-r", strconv.Itoa(dpi), req.Inputs[0], prefix); err != nil {
				return nil, err
			}
			return collectOutputs(req.OutputDir, "page-*.png")
		},
	}
}

func parseQR(p Params) (text string, size int, err error) {
	text = p["text"]
	if strings.TrimSpace(text) == "" {
		return "", 0, fmt.Errorf("%w: text is required", ErrInvalidParams)
	}
	if len(text) > 2048 {
		return "", 0, fmt.Errorf("%w: text is longer than 2048 bytes", ErrInvalidParams)
	}
	size, err = p.Int("size", 8, 1, 40)
	return text, size, err
}

func qrTool() Tool {
	return Tool{
		Name:        "qr",
		Description: "Render text as a QR code PNG with qrencode",
		Command:     "qrencode",
		CheckParams: func(p Params) error { _, _, err := parseQR(p); return err },
		Run: func(ctx context.Context, req Request) ([]string, error) {
			text, size, err := parseQR(req.Params)
			if err != nil {
				return nil, err
			}
			out := filepath.Join(req.OutputDir, "qr.png")
			if err := runCommand(ctx, "qrencode", "-o", out, "-s", strconv.Itoa(size), text); err != nil {
				return nil, err
			}
			return []string{out}, nil
		},
	}
}

// CopyTool returns every input unchanged. It needs no external command.
func CopyTool() Tool {
	return Tool{
		Name:        "copy",
		Description: "Return the uploaded files unchanged",
		MinInputs:   1,
		Run: func(ctx context.Context, req Request) ([]string, error) {
			outputs := make([]string, 0, len(req.Inputs))
			for i, in := range req.Inputs {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				out := filepath.Join(req.OutputDir, fmt.Sprintf("copy-%d%s", i+1, filepath.Ext(in)))
				if err := copyFile(in, out); err != nil {
					return nil, err
				}
				outputs = append(outputs, out)
			}
			logger.Debugf("copied %d files into %s", len(outputs), req.OutputDir)
			return outputs, nil
		},
	}
}

func copyFile(input, output string) error {
	src, err := os.Open(input)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(output)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// collectOutputs returns the files in dir matching pattern in name order.
// Tools that number their outputs zero-pad them, so name order is page order.
func collectOutputs(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no output produced in %s", dir)
	}
	sort.Strings(matches)
	return matches, nil
}
