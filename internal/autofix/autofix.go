// Package autofix decides whether a failed build is worth one repair attempt
// and asks a Fixer for a patched bundle.
package autofix

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Category names a recognised build failure signature.
type Category string

const (
	ErrorAnnouncement Category = "error_announcement"
	SyntaxError       Category = "syntax_error"
	MissingModule     Category = "missing_module"
	TypeError         Category = "type_error"
	ReferenceError    Category = "reference_error"
	FileNotFound      Category = "file_not_found"
	GenericFailure    Category = "generic_failure"
)

var signatures = []struct {
	category Category
	pattern  *regexp.Regexp
}{
	{ErrorAnnouncement, regexp.MustCompile(`(?i)error\s+\d+:|error:`)},
	{SyntaxError, regexp.MustCompile(`(?i)syntaxerror|unexpected token`)},
	{MissingModule, regexp.MustCompile(`(?i)cannot find module|module not found`)},
	{TypeError, regexp.MustCompile(`(?i)typeerror|is not a function`)},
	{ReferenceError, regexp.MustCompile(`(?i)referenceerror`)},
	{FileNotFound, regexp.MustCompile(`(?i)enoent|no such file`)},
	{GenericFailure, regexp.MustCompile(`(?i)failed|cannot`)},
}

// Classify returns every category whose signature appears in buildLog, in a
// fixed order.
func Classify(buildLog string) []Category {
	var out []Category
	for _, sig := range signatures {
		if sig.pattern.MatchString(buildLog) {
			out = append(out, sig.category)
		}
	}
	return out
}

// Fixer proposes a replacement bundle for a failed build.
type Fixer interface {
	Fix(ctx context.Context, bundle, buildLog string) (string, error)
}

// Result is the outcome of a DetectAndFix call.
type Result struct {
	FixedCode  string
	WasFixed   bool
	Categories []Category
}

// Pass runs classification and, on a match, a single Fixer call.
type Pass struct {
	fixer  Fixer
	logger *slog.Logger
}

// NewPass returns a Pass. A nil fixer makes every call a no-op.
func NewPass(fixer Fixer, logger *slog.Logger) *Pass {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pass{fixer: fixer, logger: logger}
}

// DetectAndFix never fails: fixer errors and empty answers yield WasFixed=false
// with the bundle unchanged.
func (p *Pass) DetectAndFix(ctx context.Context, buildLog, bundle string) Result {
	categories := Classify(buildLog)
	unchanged := Result{FixedCode: bundle, Categories: categories}
	if len(categories) == 0 || p.fixer == nil {
		return unchanged
	}

	candidate, err := p.fixer.Fix(ctx, bundle, buildLog)
	if err != nil {
		p.logger.Warn("auto-fix unavailable", "error", err, "categories", categories)
		return unchanged
	}
	if strings.TrimSpace(candidate) == "" || candidate == bundle {
		return unchanged
	}
	return Result{FixedCode: candidate, WasFixed: true, Categories: categories}
}

// Chain tries each fixer in order and returns the first answer that changes
// the bundle.
type Chain []Fixer

// Fix implements Fixer.
func (c Chain) Fix(ctx context.Context, bundle, buildLog string) (string, error) {
	var lastErr error
	for _, f := range c {
		if f == nil {
			continue
		}
		candidate, err := f.Fix(ctx, bundle, buildLog)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(candidate) != "" && candidate != bundle {
			return candidate, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return bundle, nil
}
