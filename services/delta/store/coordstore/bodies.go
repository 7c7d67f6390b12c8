// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

// ErrBodyNotFound is returned by BodyStore.Get for a missing body.
var ErrBodyNotFound = errors.New("patch body not found")

// BodyStore holds encoded patch bodies by key. Bodies are written once and
// never modified; the coordinator decides which of them are part of a log.
type BodyStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// -----------------------------------------------------------------------------
// Directory bodies
// -----------------------------------------------------------------------------

// DirBodies stores bodies as files under a directory, which may be a shared
// mount when several servers use one log.
type DirBodies struct {
	dir string
}

// NewDirBodies creates dir if needed.
func NewDirBodies(dir string) (*DirBodies, error) {
	if dir == "" {
		return nil, errors.New("body directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create body directory: %w", err)
	}
	return &DirBodies{dir: dir}, nil
}

func (d *DirBodies) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid body key %q", key)
	}
	return filepath.Join(d.dir, clean), nil
}

// Put writes the body through a temporary file and a rename.
func (d *DirBodies) Put(_ context.Context, key string, data []byte) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-body-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (d *DirBodies) Get(_ context.Context, key string) ([]byte, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBodyNotFound, key)
	}
	return data, err
}

func (d *DirBodies) Delete(_ context.Context, key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DirBodies) Close() error { return nil }

// -----------------------------------------------------------------------------
// Google Cloud Storage bodies
// -----------------------------------------------------------------------------

// GCSConfig locates the bucket used for bodies.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every object name, e.g. "delta/".
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key. Empty uses the default
	// application credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSBodies stores bodies as objects in a Google Cloud Storage bucket.
type GCSBodies struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBodies creates a storage client for cfg.Bucket.
func NewGCSBodies(ctx context.Context, cfg GCSConfig) (*GCSBodies, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSBodies{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSBodies) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + key)
}

// Put creates the object; an existing object with the same key is an error.
func (g *GCSBodies) Put(ctx context.Context, key string, data []byte) error {
	w := g.object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = patch.ContentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("upload body %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", key, err)
	}
	return nil
}

func (g *GCSBodies) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBodyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCSBodies) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete body %s: %w", key, err)
	}
	return nil
}

func (g *GCSBodies) Close() error {
	return g.client.Close()
}
