// Package model persists trained detector artifacts and loads them
// back with integrity and compatibility checks.
//
// A model directory holds three files: vectorizer.json (vocabulary and
// document frequencies), forest.json (the trained ensemble), and
// manifest.json (training parameters plus SHA-256 digests of the other
// two). The manifest is validated against an embedded JSON schema on
// load, and every artifact is rewritten atomically on save so a crash
// never leaves a half-written model behind.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"argosd/internal/forest"
	"argosd/internal/ngram"
	"argosd/internal/tfidf"
)

// Artifact file names within a model directory.
const (
	ManifestFile   = "manifest.json"
	VectorizerFile = "vectorizer.json"
	ForestFile     = "forest.json"
)

// FormatVersion is the current manifest format.
const FormatVersion = 1

// Errors.
var (
	ErrNotFound       = errors.New("model: manifest not found")
	ErrDigestMismatch = errors.New("model: artifact digest mismatch")
	ErrIncompatible   = errors.New("model: incompatible artifacts")
)

// Manifest describes a trained model and pins its artifacts.
type Manifest struct {
	FormatVersion int               `json:"format_version"`
	CreatedAt     string            `json:"created_at"`
	Node          string            `json:"node"`
	GramSize      int               `json:"gram_size"`
	WindowMs      int64             `json:"window_ms"`
	Dimensions    int               `json:"dimensions"`
	Windows       int               `json:"windows"`
	Trees         int               `json:"trees"`
	SampleSize    int               `json:"sample_size"`
	MaxDepth      int               `json:"max_depth"`
	Seed          int64             `json:"seed"`
	Corpora       []string          `json:"corpora,omitempty"`
	Digests       map[string]string `json:"digests"`
}

// Artifacts bundles everything a scoring pipeline needs.
type Artifacts struct {
	Manifest   Manifest
	Vectorizer *tfidf.Model
	Forest     *forest.Forest
}

// vectorizerFile is the on-disk vectorizer encoding. Grams are spelled
// out as syscall tuples so the file stays inspectable.
type vectorizerFile struct {
	GramSize   int        `json:"gram_size"`
	Windows    int        `json:"windows"`
	Vocabulary [][]uint32 `json:"vocabulary"`
	DocFreq    []int      `json:"doc_freq"`
}

// Save writes all artifacts under dir, creating it if needed. The
// manifest's digest map and creation time are filled in here.
func Save(dir string, a *Artifacts) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	vecData, err := json.MarshalIndent(encodeVectorizer(a.Vectorizer), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vectorizer: %w", err)
	}
	forestData, err := json.MarshalIndent(a.Forest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal forest: %w", err)
	}

	manifest := a.Manifest
	manifest.FormatVersion = FormatVersion
	if manifest.CreatedAt == "" {
		manifest.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	manifest.GramSize = a.Vectorizer.GramSize
	manifest.Dimensions = a.Vectorizer.Dim()
	manifest.Windows = a.Vectorizer.Windows
	manifest.Trees = len(a.Forest.Trees)
	manifest.SampleSize = a.Forest.SampleSize
	manifest.MaxDepth = a.Forest.MaxDepth
	manifest.Seed = a.Forest.Seed
	manifest.Digests = map[string]string{
		VectorizerFile: digest(vecData),
		ForestFile:     digest(forestData),
	}
	a.Manifest = manifest

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(dir, VectorizerFile), vecData); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, ForestFile), forestData); err != nil {
		return err
	}
	// Manifest last: its presence marks the directory complete.
	if err := writeFileAtomic(filepath.Join(dir, ManifestFile), manifestData); err != nil {
		return err
	}

	return nil
}

// Load reads and verifies the artifacts under dir.
func Load(dir string) (*Artifacts, error) {
	manifestData, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	if err := validateManifest(manifestData); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: format version %d, supported %d",
			ErrIncompatible, manifest.FormatVersion, FormatVersion)
	}

	vecData, err := readVerified(dir, VectorizerFile, manifest.Digests)
	if err != nil {
		return nil, err
	}
	forestData, err := readVerified(dir, ForestFile, manifest.Digests)
	if err != nil {
		return nil, err
	}

	var vf vectorizerFile
	if err := json.Unmarshal(vecData, &vf); err != nil {
		return nil, fmt.Errorf("decode vectorizer: %w", err)
	}
	vocabulary := make([]ngram.Gram, len(vf.Vocabulary))
	for i, tuple := range vf.Vocabulary {
		vocabulary[i] = ngram.Pack(tuple)
	}
	vectorizer, err := tfidf.Restore(vf.GramSize, vf.Windows, vocabulary, vf.DocFreq)
	if err != nil {
		return nil, fmt.Errorf("restore vectorizer: %w", err)
	}

	f := &forest.Forest{}
	if err := json.Unmarshal(forestData, f); err != nil {
		return nil, fmt.Errorf("decode forest: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate forest: %w", err)
	}

	if vectorizer.GramSize != manifest.GramSize {
		return nil, fmt.Errorf("%w: vectorizer gram size %d, manifest %d",
			ErrIncompatible, vectorizer.GramSize, manifest.GramSize)
	}
	if vectorizer.Dim() != manifest.Dimensions || f.Dim != manifest.Dimensions {
		return nil, fmt.Errorf("%w: dimensions vectorizer=%d forest=%d manifest=%d",
			ErrIncompatible, vectorizer.Dim(), f.Dim, manifest.Dimensions)
	}

	return &Artifacts{Manifest: manifest, Vectorizer: vectorizer, Forest: f}, nil
}

func encodeVectorizer(m *tfidf.Model) vectorizerFile {
	vf := vectorizerFile{
		GramSize:   m.GramSize,
		Windows:    m.Windows,
		Vocabulary: make([][]uint32, len(m.Vocabulary)),
		DocFreq:    m.DocFreq,
	}
	for i, g := range m.Vocabulary {
		vf.Vocabulary[i] = g.Syscalls()
	}
	return vf
}

func readVerified(dir, name string, digests map[string]string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	want, ok := digests[name]
	if !ok {
		return nil, fmt.Errorf("%w: manifest lists no digest for %s", ErrDigestMismatch, name)
	}
	if got := digest(data); got != want {
		return nil, fmt.Errorf("%w: %s is %s, manifest says %s", ErrDigestMismatch, name, got[:12], want[:12])
	}
	return data, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes data to a temporary file in the target
// directory, syncs it, and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
