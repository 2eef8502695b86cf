// Package document handles source document identity and storage: content
// hashing, a content-addressed blob store and document type detection.
package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BlobStore keeps document contents on disk, addressed by content hash.
// Writes are atomic (temp file + rename) and idempotent.
type BlobStore struct {
	dir string
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if dir == "" {
		return nil, eris.New("document: blob dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "document: create blob dir %s", dir)
	}
	return &BlobStore{dir: dir}, nil
}

// Path returns where the blob for hash lives. Blobs are sharded by the first
// two hex characters.
func (b *BlobStore) Path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(b.dir, hash)
	}
	return filepath.Join(b.dir, hash[:2], hash)
}

// Put stores data and returns its hash and path. Existing blobs are left
// untouched.
func (b *BlobStore) Put(data []byte) (hash, path string, err error) {
	hash = Hash(data)
	path = b.Path(hash)

	if _, statErr := os.Stat(path); statErr == nil {
		return hash, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", eris.Wrap(err, "document: create shard dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", "", eris.Wrap(err, "document: create temp blob")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return "", "", eris.Wrap(err, "document: write blob")
	}
	if err := tmp.Close(); err != nil {
		return "", "", eris.Wrap(err, "document: close blob")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", "", eris.Wrap(err, "document: rename blob")
	}

	zap.L().Debug("document: stored blob", zap.String("hash", hash), zap.Int("bytes", len(data)))
	return hash, path, nil
}

// Read returns the blob contents at path.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "document: read blob %s", path)
	}
	return data, nil
}

var (
	pdfMagic     = []byte("%PDF-")
	pdfFontRe    = regexp.MustCompile(`/Font\b`)
	pdfImageRe   = regexp.MustCompile(`/Subtype\s*/Image\b`)
	pdfTextOpsRe = regexp.MustCompile(`\bBT\b`)
)

// DetectType guesses the document type from its bytes. PDFs that declare
// fonts or text objects are digital; PDFs with images and no fonts are
// treated as scanned. Anything that is valid UTF-8 is plaintext.
func DetectType(data []byte) (model.DocumentType, error) {
	if bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), pdfMagic) {
		hasFont := pdfFontRe.Match(data) || pdfTextOpsRe.Match(data)
		hasImage := pdfImageRe.Match(data)
		if !hasFont && hasImage {
			return model.DocumentScannedPDF, nil
		}
		return model.DocumentDigitalPDF, nil
	}
	if utf8.Valid(data) {
		return model.DocumentPlaintext, nil
	}
	return "", eris.New("document: unrecognized content (not PDF or UTF-8 text)")
}

// Source describes incoming document bytes.
type Source struct {
	PortCode     string
	SourceURL    string
	DocumentType model.DocumentType
	Data         []byte
}

// Prepare stores src in the blob store and builds the SourceDocument. The
// document type is detected when not given.
func Prepare(_ context.Context, blobs *BlobStore, src Source, now time.Time) (*model.SourceDocument, error) {
	port := strings.ToUpper(strings.TrimSpace(src.PortCode))
	if model.CountryFromPort(port) == "" {
		return nil, eris.Errorf("document: invalid port code %q", src.PortCode)
	}
	if len(src.Data) == 0 {
		return nil, eris.New("document: empty document")
	}

	docType := src.DocumentType
	if docType == "" {
		detected, err := DetectType(src.Data)
		if err != nil {
			return nil, err
		}
		docType = detected
	} else if !docType.Valid() {
		return nil, eris.Errorf("document: unknown document type %q", docType)
	}

	hash, path, err := blobs.Put(src.Data)
	if err != nil {
		return nil, err
	}

	return &model.SourceDocument{
		ID:           uuid.NewString(),
		PortCode:     port,
		BlobPath:     path,
		ContentHash:  hash,
		DocumentType: docType,
		SourceURL:    src.SourceURL,
		RetrievedAt:  now.UTC(),
	}, nil
}
