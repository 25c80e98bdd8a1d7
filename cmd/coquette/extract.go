package main

import (
	"fmt"
	"io"

	"github.com/Fimeg/Coquette-sub001/internal/extract"
)

// runExtract handles the "coquette extract" subcommand: read free-form
// text from stdin and print every embedded JSON object, one per line.
// Useful for eyeballing what the extractor would hand the negotiator
// for a given model reply.
func runExtract(stdin io.Reader, stdout io.Writer) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	for _, obj := range extract.New().Objects(string(data)) {
		fmt.Fprintln(stdout, obj)
	}
	return nil
}
