// Package extract turns stored files into normalized text. Each format has
// an Extractor; a Registry built once at startup selects one per file.
//
// Extractors report per-file problems in the Result rather than as Go
// errors, so a bad upload can never take down the queue that called them.
package extract

import (
	"context"
	"fmt"
)

// Result is the outcome of one extraction.
type Result struct {
	OK      bool
	Content string
	Error   string
	// Unavailable marks failures caused by a missing capability (library,
	// binary, model) rather than by the file itself.
	Unavailable bool
}

// Success wraps extracted content.
func Success(content string) Result {
	return Result{OK: true, Content: content}
}

// Failure builds a failed result from a format string.
func Failure(format string, args ...interface{}) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Unavailable builds a failed result for a missing capability.
func Unavailable(format string, args ...interface{}) Result {
	return Result{Error: fmt.Sprintf(format, args...), Unavailable: true}
}

// Extractor converts the file at path to text.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, path string) Result
}

// safeExtract runs e and converts a panic into a failed Result.
func safeExtract(ctx context.Context, e Extractor, path string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failure("%s extraction panicked: %v", e.Name(), r)
		}
	}()
	return e.Extract(ctx, path)
}
