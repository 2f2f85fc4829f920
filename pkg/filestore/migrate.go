package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/createtree2017/createtree/pkg/sound"
	"github.com/rs/zerolog/log"
)

// StorageUploadError is returned when an artifact couldn't be moved to
// durable storage.
type StorageUploadError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageUploadError) Error() string {
	return fmt.Sprintf("filestore: couldn't %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageUploadError) Unwrap() error {
	return e.Err
}

// Result describes a migrated artifact.
type Result struct {
	URL  string
	Path string
	Size int64
	// Duration is probed from the audio when possible, zero otherwise.
	Duration time.Duration
}

// Migrate downloads src and stores it at dst. Calling it twice with the
// same dst overwrites the object and returns the same URL.
func (s *Store) Migrate(ctx context.Context, src, dst string) (*Result, error) {
	b, err := s.download(ctx, src)
	if err != nil {
		return nil, &StorageUploadError{Op: "download", Path: dst, Err: err}
	}
	if err := s.fs.Put(ctx, dst, contentType(dst), bytes.NewReader(b), int64(len(b))); err != nil {
		return nil, &StorageUploadError{Op: "upload", Path: dst, Err: err}
	}
	res := &Result{
		URL:  s.fs.URL(dst),
		Path: dst,
		Size: int64(len(b)),
	}
	if contentType(dst) == "audio/mpeg" {
		d, err := sound.Duration(b)
		if err != nil {
			log.Debug().Err(err).Str("path", dst).Msg("filestore: couldn't probe duration")
		} else {
			res.Duration = d
		}
	}
	if s.debug {
		log.Debug().Str("path", dst).Int64("size", res.Size).Msgf("filestore: migrated %s", src)
	}
	return res, nil
}

type errStatusCode int

func (e errStatusCode) Error() string {
	return fmt.Sprintf("%d", e)
}

func (s *Store) download(ctx context.Context, u string) ([]byte, error) {
	if u == "" {
		return nil, errors.New("empty source url")
	}
	attempts := 0
	for {
		b, err := s.get(ctx, u)
		if err == nil {
			return b, nil
		}
		// Client errors mean the link expired or never existed.
		var errStatus errStatusCode
		if errors.As(err, &errStatus) && int(errStatus) < 500 {
			return nil, err
		}
		if ctx.Err() != nil || attempts >= len(s.backoff) {
			return nil, err
		}
		wait := s.backoff[attempts]
		attempts++
		log.Warn().Err(err).Msgf("filestore: download failed (retrying in %s)", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Store) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("couldn't get %s: %w", redact(u), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("couldn't get %s: %w", redact(u), errStatusCode(resp.StatusCode))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("couldn't read body: %w", err)
	}
	if int64(len(b)) > s.maxSize {
		return nil, fmt.Errorf("artifact exceeds %d bytes", s.maxSize)
	}
	if len(b) == 0 {
		return nil, errors.New("empty artifact")
	}
	return b, nil
}

// redact drops the query string, which usually carries a signature.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
