package schema

import (
	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed testcases.schema.json
var testCasesSchema string

// TestCases validates the submitted test case array before it is persisted
// on a job row and shipped to workers.
var TestCases = jsonschema.MustCompileString("testcases.schema.json", testCasesSchema)
