package forgottimeout

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"ojtrack/internal/apperr"
)

func TestValidateLetter(t *testing.T) {
	pdf := []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\n%%EOF\n")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

	tests := []struct {
		name    string
		letter  Letter
		wantErr bool
	}{
		{"pdf", Letter{Data: pdf, Filename: "letter.pdf"}, false},
		{"upper-case extension", Letter{Data: pdf, Filename: "LETTER.PDF"}, false},
		{"empty", Letter{Filename: "letter.pdf"}, true},
		{"too large", Letter{Data: append(pdf, bytes.Repeat([]byte{' '}, MaxLetterSize)...), Filename: "letter.pdf"}, true},
		{"wrong extension", Letter{Data: pdf, Filename: "letter.txt"}, true},
		{"no extension", Letter{Data: pdf, Filename: "letter"}, true},
		{"image renamed to pdf", Letter{Data: png, Filename: "letter.pdf"}, true},
		{"pdf renamed to docx", Letter{Data: pdf, Filename: "letter.docx"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLetter(tt.letter)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperr.InvalidLetter)
		})
	}
}

func TestStatusActive(t *testing.T) {
	assert.True(t, StatusPending.Active())
	assert.True(t, StatusApproved.Active())
	assert.False(t, StatusRejected.Active())

	_, ok := ParseStatus("cancelled")
	assert.False(t, ok)
	st, ok := ParseStatus("approved")
	assert.True(t, ok)
	assert.Equal(t, StatusApproved, st)
}
