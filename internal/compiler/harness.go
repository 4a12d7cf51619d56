package compiler

import (
	"strings"
)

// ScriptName is the file name attached to compiled handlers; it appears in
// stack traces and is used to map positions back to handler source.
const ScriptName = "handler.js"

// Parameters are the globals injected into every handler, in call order.
var Parameters = []string{"$state", "$args", "$scope", "$emit", "$view", "$ext", "$log"}

var (
	harnessHeader = "(async function (" + strings.Join(Parameters, ", ") + ") {\n"
	harnessFooter = "\n})"
)

// HeaderLines is the number of lines the harness adds before handler source
const HeaderLines = 1

// Wrap embeds handler source in the execution harness. The result evaluates
// to an async function taking the injected globals.
func Wrap(source string) string {
	var b strings.Builder
	b.Grow(len(harnessHeader) + len(source) + len(harnessFooter))
	b.WriteString(harnessHeader)
	b.WriteString(source)
	b.WriteString(harnessFooter)
	return b.String()
}

// Unwrap recovers handler source from a wrapped script
func Unwrap(wrapped string) (string, bool) {
	if !strings.HasPrefix(wrapped, harnessHeader) || !strings.HasSuffix(wrapped, harnessFooter) {
		return "", false
	}
	if len(wrapped) < len(harnessHeader)+len(harnessFooter) {
		return "", false
	}
	return wrapped[len(harnessHeader) : len(wrapped)-len(harnessFooter)], true
}
