package main

import (
	"encoding/json"
	"fmt"
)

// ErrorResponse is a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// StatusResponse is a generic response for commands that return status.
type StatusResponse struct {
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
}

// outputJSON writes a value as formatted JSON to stdout.
func (a *app) outputJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputHuman writes a human-readable string to stdout.
func (a *app) outputHuman(format string, args ...interface{}) {
	fmt.Fprintf(a.stdout, format, args...)
}

// output writes v as JSON, or calls human when --human is set.
func (a *app) output(v interface{}, human func()) error {
	if a.human {
		human()
		return nil
	}
	return a.outputJSON(v)
}

// writeError reports err in the appropriate format (human or JSON).
func (a *app) writeError(err error) {
	if a.human {
		fmt.Fprintf(a.stderr, "error: %s\n", err)
		return
	}
	a.outputJSON(ErrorResponse{Error: err.Error(), Code: exitCode(err)})
}
