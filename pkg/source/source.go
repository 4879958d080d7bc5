// Package source opens the files handed to file scans, from the local disk or
// from an S3 compatible object store.
package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

const s3Scheme = "s3://"

// Object is an opened scan input. Callers must close it.
type Object struct {
	io.ReadCloser
	// Name is the base name submitted as the scan file name.
	Name     string
	Location string
	Size     int64
}

// WalkFunc is called for every regular file found under a walked location.
type WalkFunc func(location string, size int64) error

type Source interface {
	Open(ctx context.Context, location string) (Object, error)
	// Walk calls fn for location itself when it is a file, or for every file
	// below it.
	Walk(ctx context.Context, location string, fn WalkFunc) error
}

var ErrNoS3Source = errors.New("s3 location given but no s3 source configured")

// Mux routes s3:// locations to S3 and everything else to Local.
type Mux struct {
	Local Source
	S3    Source
}

var _ Source = &Mux{}

func (m *Mux) route(location string) (Source, error) {
	if IsS3(location) {
		if m.S3 == nil {
			return nil, ErrNoS3Source
		}
		return m.S3, nil
	}
	if m.Local == nil {
		return &Local{}, nil
	}
	return m.Local, nil
}

func (m *Mux) Open(ctx context.Context, location string) (obj Object, err error) {
	src, err := m.route(location)
	if err != nil {
		return
	}
	return src.Open(ctx, location)
}

func (m *Mux) Walk(ctx context.Context, location string, fn WalkFunc) (err error) {
	src, err := m.route(location)
	if err != nil {
		return
	}
	return src.Walk(ctx, location, fn)
}

func IsS3(location string) bool {
	return strings.HasPrefix(strings.ToLower(location), s3Scheme)
}
