package validator

import "strings"

// Result accumulates the structured outcome of a validation run.
// Messages keep their insertion order; errors are fatal and prevent
// streaming from starting.
type Result struct {
	info     []string
	warnings []string
	errors   []string
}

func NewResult() *Result {
	return &Result{}
}

func (r *Result) AddInfo(msg string) {
	r.info = append(r.info, msg)
}

func (r *Result) AddWarning(msg string) {
	r.warnings = append(r.warnings, msg)
}

func (r *Result) AddError(msg string) {
	r.errors = append(r.errors, msg)
}

// Success reports whether the run recorded no errors.
func (r *Result) Success() bool {
	return len(r.errors) == 0
}

func (r *Result) Info() []string     { return r.info }
func (r *Result) Warnings() []string { return r.warnings }
func (r *Result) Errors() []string   { return r.errors }

// String renders errors first, then warnings, then info messages.
func (r *Result) String() string {
	var sb strings.Builder
	for _, msg := range r.errors {
		sb.WriteString("ERROR: ")
		sb.WriteString(msg)
		sb.WriteByte('\n')
	}
	for _, msg := range r.warnings {
		sb.WriteString("WARNING: ")
		sb.WriteString(msg)
		sb.WriteByte('\n')
	}
	for _, msg := range r.info {
		sb.WriteString("INFO: ")
		sb.WriteString(msg)
		sb.WriteByte('\n')
	}
	return sb.String()
}
