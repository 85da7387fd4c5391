package identifier

import "errors"

// WorkerType is the toolchain category a worker is provisioned for. It is
// fixed for the worker's lifetime; a worker only ever grades jobs of its own
// type.
type WorkerType string

const (
	WorkerTypeClang   WorkerType = "clang"
	WorkerTypeGo      WorkerType = "golang"
	WorkerTypeJVM     WorkerType = "jvm"
	WorkerTypeNode    WorkerType = "node"
	WorkerTypePython  WorkerType = "python"
	WorkerTypeRust    WorkerType = "rust"
	WorkerTypeInvalid WorkerType = ""
)

var ErrUnsupportedLanguage = errors.New("no worker type mapped for language")

// Total over the Language enum. Adding a language without extending this
// table is caught by TestWorkerTypeForLanguageTotal.
var workerTypeMapping = map[Language]WorkerType{
	LanguageC:          WorkerTypeClang,
	LanguageCPP:        WorkerTypeClang,
	LanguageGo:         WorkerTypeGo,
	LanguageJava:       WorkerTypeJVM,
	LanguageJavascript: WorkerTypeNode,
	LanguagePython:     WorkerTypePython,
	LanguageRust:       WorkerTypeRust,
}

// Declared tool list per worker type, used when provisioning a sandbox.
var capabilityMapping = map[WorkerType][]string{
	WorkerTypeClang:  {"clang", "clang++", "make"},
	WorkerTypeGo:     {"go"},
	WorkerTypeJVM:    {"javac", "java", "maven"},
	WorkerTypeNode:   {"node", "npm"},
	WorkerTypePython: {"python3", "pip"},
	WorkerTypeRust:   {"rustc", "cargo"},
}

func (t WorkerType) String() string {
	return string(t)
}

func (t WorkerType) Capabilities() []string {
	return capabilityMapping[t]
}

// WorkerTypeForLanguage rejects unmapped languages at the boundary instead of
// letting them reach dispatch.
func WorkerTypeForLanguage(l Language) (WorkerType, error) {
	t, ok := workerTypeMapping[l]
	if !ok {
		return WorkerTypeInvalid, ErrUnsupportedLanguage
	}

	return t, nil
}

func WorkerTypes() []WorkerType {
	return []WorkerType{
		WorkerTypeClang,
		WorkerTypeGo,
		WorkerTypeJVM,
		WorkerTypeNode,
		WorkerTypePython,
		WorkerTypeRust,
	}
}
