package filestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/createtree2017/createtree/pkg/filestore/local"
	"github.com/createtree2017/createtree/pkg/filestore/s3"
)

type fs interface {
	Put(ctx context.Context, name, contentType string, body io.Reader, size int64) error
	URL(name string) string
}

type Config struct {
	// Type is the backend: s3 or local.
	Type string
	// Conn is the backend connection string.
	//   s3:    key:secret@bucket.region
	//   local: root directory
	Conn string
	// Endpoint is an optional S3 compatible endpoint.
	Endpoint string
	// BaseURL is the public URL prefix of the local backend.
	BaseURL string
	// MaxSize bounds artifact downloads in bytes.
	MaxSize int64
	// Timeout bounds each artifact download.
	Timeout time.Duration
	// Backoff lists the waits between download attempts.
	Backoff []time.Duration
	Debug   bool
	Client  *http.Client
}

const DefaultMaxSize = 50 << 20

var defaultBackoff = []time.Duration{
	1 * time.Second,
	3 * time.Second,
}

// Store moves provider artifacts into durable storage.
type Store struct {
	fs      fs
	client  *http.Client
	maxSize int64
	backoff []time.Duration
	debug   bool
}

func New(ctx context.Context, cfg *Config) (*Store, error) {
	var fs fs
	switch cfg.Type {
	case "s3":
		split := strings.Split(cfg.Conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 connection string %q", cfg.Conn)
		}
		auth := strings.Split(split[0], ":")
		if len(auth) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 auth string %q", split[0])
		}
		loc := strings.Split(split[1], ".")
		if len(loc) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 location string %q", split[1])
		}
		candidate, err := s3.New(ctx, &s3.Config{
			Key:      auth[0],
			Secret:   auth[1],
			Bucket:   loc[0],
			Region:   loc[1],
			Endpoint: cfg.Endpoint,
			Debug:    cfg.Debug,
		})
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "local":
		if cfg.Conn == "" {
			return nil, fmt.Errorf("filestore: local root directory is required")
		}
		candidate, err := local.New(cfg.Conn, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	default:
		return nil, fmt.Errorf("filestore: unknown file storage type %q", cfg.Type)
	}
	return newStore(fs, cfg), nil
}

func newStore(fs fs, cfg *Config) *Store {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	return &Store{
		fs:      fs,
		client:  client,
		maxSize: maxSize,
		backoff: backoff,
		debug:   cfg.Debug,
	}
}

// MusicPath returns the destination of a job's artifact. The extension is
// taken from the source URL and defaults to mp3.
func MusicPath(id, sourceURL string) string {
	ext := ".mp3"
	if sourceURL != "" {
		p := sourceURL
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
		candidate := strings.ToLower(path.Ext(p))
		if _, ok := contentTypes[candidate]; ok {
			ext = candidate
		}
	}
	return "music/" + id + ext
}

var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
