// Package extract turns source files into plain text and segments text into
// overlapping sentence chunks for embedding.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupported indicates a file type the extractor cannot read. Fatal:
// retrying the same file cannot succeed.
var ErrUnsupported = errors.New("unsupported file type")

// Text reads the file at path and returns its plain-text content. The
// format is chosen by extension: .pdf, .html/.htm, and anything else is
// treated as plain text (.txt, .md, ...).
func Text(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return pdfText(path)
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		return htmlText(f)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		if !plainText(data) {
			return "", fmt.Errorf("%s is not valid UTF-8 text: %w", path, ErrUnsupported)
		}
		return string(data), nil
	}
}

func plainText(data []byte) bool {
	// Binary files almost always contain NUL; text files never do.
	if bytes.IndexByte(data, 0) >= 0 {
		return false
	}
	return utf8.Valid(data)
}
