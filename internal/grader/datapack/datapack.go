// Package datapack fetches tar.zst fixture packs from object storage into a
// local tests directory.
package datapack

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"fuzgrader/internal/common/storage"
	appErr "fuzgrader/pkg/errors"
	"fuzgrader/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	metaFileName = ".datapack.json"
	tempFileName = "data-pack.tmp"
)

// Pack identifies one fixture pack object.
type Pack struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Key    string `yaml:"key" json:"key"`
	// SHA256 is the hex digest of the compressed object; empty skips the check.
	SHA256 string `yaml:"sha256" json:"sha256"`
}

// Fetcher downloads and extracts packs.
type Fetcher struct {
	storage storage.ObjectStorage
}

// NewFetcher creates a fetcher over store.
func NewFetcher(store storage.ObjectStorage) *Fetcher {
	return &Fetcher{storage: store}
}

// Fetch makes dstDir hold the extracted contents of pack. A directory that
// already holds the same pack is left alone.
func (f *Fetcher) Fetch(ctx context.Context, pack Pack, dstDir string) error {
	if f.storage == nil {
		return appErr.New(appErr.DataPackError).WithMessage("storage client is not initialized")
	}
	if pack.Bucket == "" {
		return appErr.ValidationError("bucket", "required")
	}
	if pack.Key == "" {
		return appErr.ValidationError("key", "required")
	}
	if dstDir == "" {
		return appErr.ValidationError("dst_dir", "required")
	}

	stat, err := f.storage.StatObject(ctx, pack.Bucket, pack.Key)
	if err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "stat fixture pack failed")
	}
	if upToDate(pack, stat.ETag, dstDir) {
		logger.Info(ctx, "fixture pack already extracted", zap.String("key", pack.Key), zap.String("dir", dstDir))
		return nil
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "create fixture dir failed")
	}

	tempPath := filepath.Join(dstDir, tempFileName)
	defer os.Remove(tempPath)
	digest, err := f.download(ctx, pack, tempPath)
	if err != nil {
		return err
	}
	if err := Extract(tempPath, dstDir); err != nil {
		return err
	}

	meta := packMeta{Bucket: pack.Bucket, Key: pack.Key, SHA256: digest, ETag: stat.ETag}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "encode pack meta failed")
	}
	if err := os.WriteFile(filepath.Join(dstDir, metaFileName), metaBytes, 0644); err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "write pack meta failed")
	}
	logger.Info(ctx, "fixture pack extracted", zap.String("key", pack.Key), zap.String("dir", dstDir), zap.String("sha256", digest))
	return nil
}

// packMeta records which object a directory was extracted from.
type packMeta struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
	ETag   string `json:"etag"`
}

// upToDate reports whether dstDir already holds pack. A declared digest must
// match the stored one; otherwise the object ETag decides.
func upToDate(pack Pack, etag, dstDir string) bool {
	data, err := os.ReadFile(filepath.Join(dstDir, metaFileName))
	if err != nil {
		return false
	}
	var stored packMeta
	if err := json.Unmarshal(data, &stored); err != nil {
		return false
	}
	if stored.Bucket != pack.Bucket || stored.Key != pack.Key {
		return false
	}
	if pack.SHA256 != "" {
		return strings.EqualFold(stored.SHA256, pack.SHA256)
	}
	return etag != "" && stored.ETag == etag
}

// download stores the object at dstPath and returns its hex sha256.
func (f *Fetcher) download(ctx context.Context, pack Pack, dstPath string) (string, error) {
	reader, err := f.storage.GetObject(ctx, pack.Bucket, pack.Key)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.DataPackError, "download fixture pack failed")
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.DataPackError, "create fixture pack file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(file, io.TeeReader(reader, hasher)); err != nil {
		return "", appErr.Wrapf(err, appErr.DataPackError, "write fixture pack file failed")
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if pack.SHA256 != "" && !strings.EqualFold(actual, pack.SHA256) {
		return "", appErr.Newf(appErr.DataPackError, "fixture pack hash mismatch: got %s", actual)
	}
	return actual, nil
}

// Extract unpacks the tar.zst archive at srcPath into dstDir. Entries that
// would land outside dstDir are rejected.
func Extract(srcPath, dstDir string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "open fixture pack failed")
	}
	defer file.Close()

	zstdReader, err := zstd.NewReader(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "create zstd reader failed")
	}
	defer zstdReader.Close()

	root := filepath.Clean(dstDir)
	tr := tar.NewReader(zstdReader)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.DataPackError, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if cleanName == "." {
			continue
		}
		if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) || filepath.IsAbs(cleanName) {
			return appErr.Newf(appErr.DataPackError, "invalid tar entry path %q", hdr.Name)
		}
		target := filepath.Join(root, cleanName)
		if !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return appErr.Newf(appErr.DataPackError, "tar entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.DataPackError, "create dir failed")
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			// links and devices are not part of fixture packs
		}
	}
	return nil
}

func writeEntry(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "create parent dir failed")
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "create file failed")
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return appErr.Wrapf(err, appErr.DataPackError, "write file failed")
	}
	if err := file.Close(); err != nil {
		return appErr.Wrapf(err, appErr.DataPackError, "close file failed")
	}
	return nil
}
