// Package format knows which ebook formats the bot understands and how to
// recognize them from raw bytes.
package format

import (
	"slices"
	"strings"
)

// Format is a known ebook format, named by its usual file extension.
type Format string

// FormatUnknown means the byte content matched no known signature.
const FormatUnknown Format = ""

func (f Format) String() string {
	if f == FormatUnknown {
		return "unknown"
	}
	return string(f)
}

// Input formats the conversion backend accepts. Keep sorted.
var supportedInputs = []string{
	"azw", "azw3", "azw4", "azw8", "bok", "cb7", "cbc", "cbr", "cbz",
	"chm", "djvu", "doc", "docx", "epub", "fb2", "fbz", "html", "htmlz",
	"kepub", "kfx", "kfx-zip", "kpf", "lit", "lrf", "md", "mobi", "odt",
	"opf", "pdb", "pdf", "pml", "prc", "rb", "rtf", "snb", "tcr", "txt",
	"txtz",
}

// Output formats the conversion backend can produce. Keep sorted.
var supportedOutputs = []string{
	"azw3", "docx", "epub", "fb2", "htmlz", "kepub", "kfx", "lit", "lrf",
	"mobi", "oeb", "pdb", "pdf", "pmlz", "rb", "rtf", "snb", "tcr", "txt",
	"txtz", "zip",
}

// Normalize lower-cases and trims a user-supplied format name.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, ".")))
}

// IsSupportedInput reports whether the backend can read the format.
func IsSupportedInput(f Format) bool {
	return f != FormatUnknown && slices.Contains(supportedInputs, string(f))
}

// IsSupportedOutput reports whether the backend can produce the format.
func IsSupportedOutput(name string) bool {
	return slices.Contains(supportedOutputs, Normalize(name))
}

// SupportedInputs returns the input format names.
func SupportedInputs() []string {
	return slices.Clone(supportedInputs)
}

// SupportedOutputs returns the output format names.
func SupportedOutputs() []string {
	return slices.Clone(supportedOutputs)
}
