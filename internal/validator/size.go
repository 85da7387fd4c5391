package validator

// Submitted source files are capped well below queue message and row size
// limits since the payload is stored inline on the job.
const maxSourceSize = 1 << 20

// Test case inputs travel with the dispatch payload, keep them bounded too.
const maxTestCaseSize = 1 << 18

func ValidateSourceSize(dataLen int) bool {
	return dataLen <= maxSourceSize
}

func ValidateTestCaseSize(dataLen int) bool {
	return dataLen <= maxTestCaseSize
}
