package format

import (
	"archive/zip"
	"bytes"
	"strings"
	"unicode/utf8"
)

// Known ebook formats carried inside a ZIP container.
const epubMimetype = "application/epub+zip"

// Detect classifies raw bytes into a known ebook format by structural
// signature. File extensions and user-supplied names are deliberately
// ignored; they are untrusted. Malformed input is a valid FormatUnknown
// result, never an error.
func Detect(data []byte) Format {
	if len(data) == 0 {
		return FormatUnknown
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return "pdf"
	case bytes.HasPrefix(data, []byte(`{\rtf`)):
		return "rtf"
	case bytes.HasPrefix(data, []byte("Rar!\x1a\x07")):
		return "cbr"
	case bytes.HasPrefix(data, []byte("7z\xbc\xaf\x27\x1c")):
		return "cb7"
	case bytes.HasPrefix(data, []byte("ITSF")):
		return "chm"
	case bytes.HasPrefix(data, []byte("ITOLITLS")):
		return "lit"
	case bytes.HasPrefix(data, []byte("AT&TFORM")) && len(data) >= 16 && bytes.Equal(data[12:16], []byte("DJVU")):
		return "djvu"
	case bytes.HasPrefix(data, []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1")):
		// OLE compound file: .doc, and the Shamela .bok flavor of it.
		return "doc"
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return detectZip(data)
	}

	// Palm database: type/creator signature lives at offset 60.
	if len(data) >= 68 {
		switch string(data[60:68]) {
		case "BOOKMOBI":
			return "mobi"
		case "TEXtREAd":
			return "pdb"
		case "DataPlkr":
			return "pdb"
		}
	}

	if f := detectXML(data); f != FormatUnknown {
		return f
	}
	if looksLikeText(data) {
		return "txt"
	}
	return FormatUnknown
}

// detectZip distinguishes the ZIP-container formats: epub, docx, htmlz,
// cbz and txtz. An unreadable or unrecognized archive is unknown.
func detectZip(data []byte) Format {
	// Fast path: a conforming EPUB stores the mimetype entry first and
	// uncompressed, so the media type sits in the first bytes.
	if bytes.Contains(data[:min(len(data), 256)], []byte("mimetype"+epubMimetype)) {
		return "epub"
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return FormatUnknown
	}

	var sawHTML, sawText, sawOther bool
	imageCount := 0
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		switch {
		case name == "mimetype":
			rc, err := f.Open()
			if err != nil {
				continue
			}
			buf := make([]byte, 64)
			n, _ := rc.Read(buf)
			rc.Close()
			if strings.TrimSpace(string(buf[:n])) == epubMimetype {
				return "epub"
			}
		case name == "[content_types].xml" || strings.HasPrefix(name, "word/"):
			return "docx"
		case strings.HasSuffix(name, ".opf"):
			return "epub"
		case strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm"):
			sawHTML = true
		case strings.HasSuffix(name, ".txt"):
			sawText = true
		case strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") ||
			strings.HasSuffix(name, ".png") || strings.HasSuffix(name, ".gif") ||
			strings.HasSuffix(name, ".webp"):
			imageCount++
		default:
			sawOther = true
		}
	}

	switch {
	case sawHTML:
		return "htmlz"
	case imageCount > 0 && !sawText && !sawOther:
		return "cbz"
	case sawText && !sawOther:
		return "txtz"
	}
	return FormatUnknown
}

func detectXML(data []byte) Format {
	head := data[:min(len(data), 1024)]
	if !bytes.HasPrefix(bytes.TrimLeft(head, " \t\r\n\xef\xbb\xbf"), []byte("<?xml")) &&
		!bytes.HasPrefix(bytes.TrimLeft(head, " \t\r\n\xef\xbb\xbf"), []byte("<")) {
		return FormatUnknown
	}
	switch {
	case bytes.Contains(head, []byte("<FictionBook")):
		return "fb2"
	case bytes.Contains(head, []byte("<package")) && bytes.Contains(head, []byte("opf")):
		return "opf"
	case bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!DOCTYPE html")) ||
		bytes.Contains(head, []byte("<HTML")):
		return "html"
	}
	return FormatUnknown
}

// looksLikeText accepts valid UTF-8 with no NUL bytes.
func looksLikeText(data []byte) bool {
	sample := data[:min(len(data), 4096)]
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	return utf8.Valid(sample)
}
