package source

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Local reads scan inputs from the local filesystem.
type Local struct {
	FollowSymlinks bool
}

var _ Source = &Local{}

func (l *Local) Open(ctx context.Context, location string) (obj Object, err error) {
	location = filepath.Clean(location)
	info, err := os.Stat(location)
	if err != nil {
		return
	}
	if info.IsDir() {
		err = errors.New("cannot open a directory as a file")
		return
	}
	f, err := os.Open(location) //nolint:gosec // file indicated by user, for submitting only
	if err != nil {
		return
	}
	obj = Object{
		ReadCloser: f,
		Name:       filepath.Base(location),
		Location:   location,
		Size:       info.Size(),
	}
	return
}

func (l *Local) Walk(ctx context.Context, location string, fn WalkFunc) (err error) {
	location = filepath.Clean(location)
	return filepath.WalkDir(location, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 && !l.FollowSymlinks {
			Logger.Debug("skip file", slog.String("file", path), slog.String("reason", "symbolic link"))
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return fn(path, info.Size())
	})
}
