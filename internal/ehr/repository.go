package ehr

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	ErrValidationRejected = errors.New("ehr validation rejected")
	ErrNotFound           = errors.New("ehr not found")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrInvalidFileName    = errors.New("invalid file name")
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Repository keeps validated records in one directory per user. A file keeps
// its original base name; saving the same name again overwrites it.
type Repository struct {
	root      string
	validator *Validator
	logger    *slog.Logger
	now       func() time.Time
}

func NewRepository(root string, validator *Validator, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		return nil, errors.New("ehr repository requires a validator")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create ehr dir: %w", err)
	}
	return &Repository{root: root, validator: validator, logger: logger, now: time.Now}, nil
}

func (r *Repository) Root() string { return r.root }

func (r *Repository) userDir(userID string) (string, error) {
	if !userIDPattern.MatchString(userID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return filepath.Join(r.root, userID), nil
}

// Save validates src and copies it into userID's namespace, returning the
// stored path. Rejected content yields an error wrapping ErrValidationRejected.
func (r *Repository) Save(ctx context.Context, userID, src string) (string, error) {
	return r.saveAs(ctx, userID, src, filepath.Base(src))
}

func (r *Repository) saveAs(ctx context.Context, userID, src, name string) (string, error) {
	dir, err := r.userDir(userID)
	if err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	verdict := r.validator.Check(src)
	if !verdict.OK {
		return "", fmt.Errorf("%w: %s", ErrValidationRejected, verdict.Reason)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create user ehr dir: %w", err)
	}
	dst := filepath.Join(dir, name)
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	r.logger.Info("ehr stored", "userId", userID, "file", name)
	return dst, nil
}

// List returns the user's files, oldest modification first. Ties are broken
// by name. A user without a namespace has no files.
func (r *Repository) List(ctx context.Context, userID string) ([]string, error) {
	dir, err := r.userDir(userID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list ehr: %w", err)
	}

	type item struct {
		path string
		name string
		mod  time.Time
	}
	items := make([]item, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		items = append(items, item{path: filepath.Join(dir, d.Name()), name: d.Name(), mod: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].mod.Equal(items[j].mod) {
			return items[i].mod.Before(items[j].mod)
		}
		return items[i].name < items[j].name
	})
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}

// Latest is the last element of List.
func (r *Repository) Latest(ctx context.Context, userID string) (string, bool, error) {
	files, err := r.List(ctx, userID)
	if err != nil || len(files) == 0 {
		return "", false, err
	}
	return files[len(files)-1], true, nil
}

// Open returns a stored file for reading.
func (r *Repository) Open(userID, name string) (*os.File, error) {
	dir, err := r.userDir(userID)
	if err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, userID, name)
	}
	return f, err
}

// Users lists the namespaces present on disk.
func (r *Repository) Users(ctx context.Context) ([]string, error) {
	dirents, err := os.ReadDir(r.root)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() && userIDPattern.MatchString(d.Name()) {
			users = append(users, d.Name())
		}
	}
	sort.Strings(users)
	return users, ctx.Err()
}

// Export writes every stored file into a zip archive as "<user>/<name>" and
// returns the number of files written.
func (r *Repository) Export(ctx context.Context, w io.Writer) (int, error) {
	users, err := r.Users(ctx)
	if err != nil {
		return 0, err
	}
	zw := zip.NewWriter(w)
	count := 0
	for _, userID := range users {
		files, err := r.List(ctx, userID)
		if err != nil {
			return count, err
		}
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			if err := addToZip(zw, userID+"/"+filepath.Base(path), path); err != nil {
				return count, err
			}
			count++
		}
	}
	if err := zw.Close(); err != nil {
		return count, err
	}
	r.logger.Info("ehr archive exported", "files", count, "users", len(users))
	return count, nil
}

func addToZip(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

// copyFile writes into a temp file beside dst and renames it into place, so a
// reader never sees a half-written record.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy ehr: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
