// Patchvec is a multi-tenant vector-search microservice: documents are
// ingested, chunked, embedded, and indexed; search returns semantically
// similar chunks with metadata filtering and provenance.
//
// Usage:
//
//	patchvec serve                          # start the HTTP server
//	patchvec create demo books              # create a collection
//	patchvec ingest demo books report.pdf   # ingest a document
//	patchvec search demo books "captain nemo" -k 3
//
// Configuration comes from a YAML file (--config) overridden by
// PATCHVEC_* environment variables.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		var pe *pverr.Error
		if errors.As(err, &pe) {
			fmt.Fprintf(os.Stderr, "error: %s\n", pe.Message)
			os.Exit(pverr.ExitCode(err))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(pverr.ExitCode(err))
	}
}

// isUsageError distinguishes cobra argument errors from runtime ones.
func isUsageError(err error) bool {
	var uerr usageError
	return errors.As(err, &uerr)
}

// usageError marks argument validation failures (exit code 2).
type usageError struct{ error }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}
