package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactStore persists raw agent output for forensic inspection.
type ArtifactStore interface {
	Save(name, content string) (path string, err error)
}

// DirArtifacts writes artifacts as plain files in one directory.
type DirArtifacts struct {
	Dir string
}

// NewDirArtifacts creates the directory if needed.
func NewDirArtifacts(dir string) (*DirArtifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &DirArtifacts{Dir: dir}, nil
}

// Save writes content to Dir/name, replacing any existing file.
func (d *DirArtifacts) Save(name, content string) (string, error) {
	path := filepath.Join(d.Dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return path, nil
}

// ArtifactTimeLayout stamps both artifact files of one run.
const ArtifactTimeLayout = "20060102_150405"

// Stage1Name returns the stage-1 artifact file name for stamp.
func Stage1Name(stamp string) string {
	return "stage1_" + stamp + ".txt"
}

// Stage2Name returns the stage-2 artifact file name for stamp.
func Stage2Name(stamp string) string {
	return "stage2_" + stamp + ".txt"
}

// stage2Content appends stderr under a separator when there is any.
func stage2Content(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	return stdout + "\n\n=== STDERR ===\n" + stderr
}
