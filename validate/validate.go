// Package validate checks uploads against a tool's requirements before any
// conversion work is started.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"fileforge/converter"

	"github.com/gabriel-vasile/mimetype"
)

// Error is a rejected upload. Oversized marks size limit violations.
type Error struct {
	Reason    string
	Oversized bool
}

func (e *Error) Error() string { return e.Reason }

func reject(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Input is one uploaded file already spooled to disk.
type Input struct {
	Name string
	Path string
	Size int64
}

// Validator enforces the server-wide upload limits. Zero limits are disabled.
type Validator struct {
	MaxBytes int64
	MaxFiles int
}

// Check returns a *Error describing the first problem found, or nil.
func (v Validator) Check(tool converter.Tool, inputs []Input, params converter.Params) error {
	n := len(inputs)
	switch {
	case !tool.TakesFiles() && n > 0:
		return reject("%s takes no files", tool.Name)
	case n < tool.MinInputs:
		return reject("%s needs at least %d file(s), got %d", tool.Name, tool.MinInputs, n)
	case tool.MaxInputs > 0 && n > tool.MaxInputs:
		return reject("%s accepts at most %d file(s), got %d", tool.Name, tool.MaxInputs, n)
	case v.MaxFiles > 0 && n > v.MaxFiles:
		return reject("too many files: %d (limit %d)", n, v.MaxFiles)
	}

	for _, in := range inputs {
		if in.Size == 0 {
			return reject("%s is empty", in.Name)
		}
		if v.MaxBytes > 0 && in.Size > v.MaxBytes {
			return &Error{
				Reason:    fmt.Sprintf("%s is %d bytes (limit %d)", in.Name, in.Size, v.MaxBytes),
				Oversized: true,
			}
		}
		if len(tool.Accept) == 0 {
			continue
		}
		mt, err := mimetype.DetectFile(in.Path)
		if err != nil {
			return reject("could not read %s", in.Name)
		}
		if !accepts(mt, tool.Accept) {
			return reject("%s is %s; %s accepts %s", in.Name, mt.String(), tool.Name, strings.Join(tool.Accept, ", "))
		}
	}

	if tool.CheckParams != nil {
		if err := tool.CheckParams(params); err != nil {
			return &Error{Reason: strings.TrimPrefix(err.Error(), converter.ErrInvalidParams.Error()+": ")}
		}
	}
	return nil
}

// accepts walks the detected type and its parents, so a subtype of an
// accepted type is accepted too.
func accepts(mt *mimetype.MIME, allowed []string) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}

// IsOversized reports whether err is a size limit violation.
func IsOversized(err error) bool {
	var verr *Error
	return errors.As(err, &verr) && verr.Oversized
}
