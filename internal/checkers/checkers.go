// Package checkers holds quicktest checkers shared by tests.
package checkers

import (
	"encoding/json"
	"fmt"

	qt "github.com/frankban/quicktest"
	"github.com/yalp/jsonpath"
)

// JSONPathEquals returns a checker that evaluates path against a JSON
// document (string, []byte or json.RawMessage) and compares the selection
// with the wanted value using qt.DeepEquals. Numbers in the document decode
// as float64.
//
//	c.Assert(out, checkers.JSONPathEquals("$.version"), float64(2))
func JSONPathEquals(path string) qt.Checker {
	return &jsonPathChecker{path: path}
}

type jsonPathChecker struct {
	path string
}

func (j *jsonPathChecker) ArgNames() []string {
	return []string{"got", "want"}
}

func (j *jsonPathChecker) Check(got any, args []any, note func(key string, value any)) error {
	var raw []byte
	switch v := got.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		return qt.BadCheckf("first argument is not a JSON document: %T", got)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("cannot unmarshal document: %w", err)
	}
	selected, err := jsonpath.Read(doc, j.path)
	if err != nil {
		note("path", j.path)
		return fmt.Errorf("cannot evaluate path: %w", err)
	}
	note("path", j.path)
	return qt.DeepEquals.Check(selected, args, note)
}
