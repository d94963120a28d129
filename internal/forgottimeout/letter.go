package forgottimeout

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"ojtrack/internal/apperr"
)

// MaxLetterSize is the upload limit for supporting letters.
const MaxLetterSize = 5 << 20

var letterExtensions = map[string]bool{".pdf": true, ".doc": true, ".docx": true}

var letterMIMEs = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	// Legacy .doc files are OLE containers and some sniff only as the container type.
	"application/x-ole-storage",
}

// Letter is an uploaded supporting document.
type Letter struct {
	Data     []byte
	Filename string
}

// ValidateLetter requires a non-empty file of at most 5 MB whose extension
// and sniffed content are both pdf, doc or docx.
func ValidateLetter(l Letter) error {
	if len(l.Data) == 0 {
		return apperr.New(apperr.InvalidLetter, "letter file is required")
	}
	if len(l.Data) > MaxLetterSize {
		return apperr.New(apperr.InvalidLetter, "letter exceeds 5 MB")
	}
	ext := strings.ToLower(filepath.Ext(l.Filename))
	if !letterExtensions[ext] {
		return apperr.New(apperr.InvalidLetter, fmt.Sprintf("extension %q not allowed", ext))
	}
	mt := mimetype.Detect(l.Data)
	if !isOneOf(mt, letterMIMEs) {
		return apperr.New(apperr.InvalidLetter, fmt.Sprintf("content type %s not allowed", mt.String()))
	}
	// A docx named .pdf, or the reverse, fails here.
	if !extMatches(ext, mt) {
		return apperr.New(apperr.InvalidLetter, fmt.Sprintf("content type %s does not match %s", mt.String(), ext))
	}
	return nil
}

func extMatches(ext string, mt *mimetype.MIME) bool {
	switch ext {
	case ".pdf":
		return mt.Is("application/pdf")
	case ".docx":
		return mt.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	case ".doc":
		return mt.Is("application/msword") || mt.Is("application/x-ole-storage")
	}
	return false
}

func isOneOf(mt *mimetype.MIME, allowed []string) bool {
	for ; mt != nil; mt = mt.Parent() {
		if mimetype.EqualsAny(mt.String(), allowed...) {
			return true
		}
	}
	return false
}
