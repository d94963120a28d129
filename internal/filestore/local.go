// Package filestore saves time-in evidence photos and forgot-timeout letters,
// either on local disk or in Cloudinary.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Store is what the attendance and forgot-timeout services save files through.
type Store interface {
	SaveEvidencePhoto(ctx context.Context, studentID string, data []byte, filename string) (string, error)
	SaveLetterFile(ctx context.Context, studentID string, data []byte, filename string) (string, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Local writes files under Root/<kind>/<student>/ and returns the path relative to Root.
type Local struct {
	Root string
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) SaveEvidencePhoto(ctx context.Context, studentID string, data []byte, filename string) (string, error) {
	return l.save(ctx, "photos", studentID, data, filename)
}

func (l *Local) SaveLetterFile(ctx context.Context, studentID string, data []byte, filename string) (string, error) {
	return l.save(ctx, "letters", studentID, data, filename)
}

func (l *Local) save(ctx context.Context, kind, studentID string, data []byte, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel := filepath.Join(kind, sanitize(studentID), uuid.NewString()+"-"+sanitize(filepath.Base(filename)))
	full := filepath.Join(l.Root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("filestore: mkdir: %w", err)
	}
	// Write to a temp name first so a partial file is never visible.
	tmp := full + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("filestore: write: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("filestore: rename: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "file"
	}
	return s
}
