package autograder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	appErr "fuzgrader/pkg/errors"
	"fuzgrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// stage copies the required submission files and the supplied files into
// the sandbox.
func (a *Autograder) stage(ctx context.Context) error {
	for _, name := range a.cfg.RequiredFiles {
		if err := a.copyToSandbox(ctx, a.cfg.SubmissionPath, name); err != nil {
			return err
		}
	}
	for _, name := range a.cfg.SuppliedFiles {
		if err := a.copyToSandbox(ctx, a.cfg.TestsPath, name); err != nil {
			return err
		}
	}
	return nil
}

func (a *Autograder) copyToSandbox(ctx context.Context, srcDir, name string) error {
	src := filepath.Join(srcDir, name)
	dst := filepath.Join(a.sandbox, name)
	info, err := os.Stat(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "stat %s failed", src).WithDetail("file", name)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "create parent of %s failed", dst)
	}
	if info.IsDir() {
		err = copyDir(src, dst)
	} else {
		err = copyFile(src, dst, info)
	}
	if err != nil {
		return err
	}
	logger.Debug(ctx, "staged file", zap.String("src", src), zap.String("dst", dst), zap.Bool("dir", info.IsDir()))
	return nil
}

// copyDir merges src into dst recursively. Symlinks are followed.
func copyDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "stat %s failed", src)
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "create directory %s failed", dst)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "read directory %s failed", src)
	}
	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		child, err := os.Stat(from)
		if err != nil {
			return appErr.Wrapf(err, appErr.StagingFailed, "stat %s failed", from)
		}
		if child.IsDir() {
			err = copyDir(from, to)
		} else {
			err = copyFile(from, to, child)
		}
		if err != nil {
			return err
		}
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "set times on %s failed", dst)
	}
	return nil
}

// copyFile copies contents, permission bits and modification time.
func copyFile(src, dst string, info os.FileInfo) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "open %s failed", src)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "create %s failed", dst)
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return appErr.Wrapf(err, appErr.StagingFailed, "copy %s failed", src)
	}
	if err := dstFile.Chmod(info.Mode().Perm()); err != nil {
		dstFile.Close()
		return appErr.Wrapf(err, appErr.StagingFailed, "chmod %s failed", dst)
	}
	if err := dstFile.Close(); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "close %s failed", dst)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "set times on %s failed", dst)
	}
	return nil
}

// validateRelative rejects absolute names and names escaping their base
// directory.
func validateRelative(field, name string) error {
	if name == "" {
		return appErr.ConfigError(field, "empty file name")
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return appErr.ConfigError(field, "file name must stay inside its directory: "+name)
	}
	return nil
}
