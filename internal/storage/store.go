package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Store implements full-overwrite writes for one storage backend.
//
// A write goes Prepare -> (engine writes into the returned target) -> Commit,
// or Abort on failure.
type Store interface {
	// Prepare returns the location the engine should write to for final.
	Prepare(ctx context.Context, final Location, runID string) (Location, error)

	// Commit makes target the visible content of final.
	Commit(ctx context.Context, target, final Location) error

	// Abort discards a target that will not be committed.
	Abort(ctx context.Context, target Location) error

	// InPlace reports whether targets are written directly at the final
	// location, requiring the engine to overwrite existing objects.
	InPlace() bool

	// Release removes what the run left behind under the output base.
	Release(ctx context.Context, output Location, runID string) error
}

// StagingDir is the directory, under the output base, that holds
// in-progress local writes.
const StagingDir = ".staging"

// LocalStore stages writes in a sibling directory and promotes them with
// renames, so readers never see a mix of old and new files.
type LocalStore struct {
	logger *slog.Logger
}

// NewLocalStore creates a local filesystem store.
func NewLocalStore(logger *slog.Logger) *LocalStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LocalStore{logger: logger}
}

// Prepare creates an empty staging directory for final.
func (s *LocalStore) Prepare(_ context.Context, final Location, runID string) (Location, error) {
	base, table := filepath.Split(filepath.Clean(final.Path))
	target := Location{Path: filepath.Join(base, StagingDir, runID, table)}

	if err := os.RemoveAll(target.Path); err != nil {
		return Location{}, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(target.Path, 0o755); err != nil {
		return Location{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return target, nil
}

// Commit moves the previous content aside, renames target into place and
// removes the previous content.
func (s *LocalStore) Commit(_ context.Context, target, final Location) error {
	if err := os.MkdirAll(filepath.Dir(final.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	previous := target.Path + ".previous"
	hadPrevious := false
	if _, err := os.Stat(final.Path); err == nil {
		if err := os.Rename(final.Path, previous); err != nil {
			return fmt.Errorf("failed to move previous output aside: %w", err)
		}
		hadPrevious = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat output: %w", err)
	}

	if err := os.Rename(target.Path, final.Path); err != nil {
		if hadPrevious {
			if rerr := os.Rename(previous, final.Path); rerr != nil {
				return errors.Join(fmt.Errorf("failed to promote staged output: %w", err),
					fmt.Errorf("failed to restore previous output: %w", rerr))
			}
		}
		return fmt.Errorf("failed to promote staged output: %w", err)
	}

	if hadPrevious {
		if err := os.RemoveAll(previous); err != nil {
			s.logger.Warn("failed to remove previous output",
				slog.String("path", previous), slog.String("error", err.Error()))
		}
	}

	return nil
}

// Abort removes the staging directory.
func (s *LocalStore) Abort(_ context.Context, target Location) error {
	if err := os.RemoveAll(target.Path); err != nil {
		return fmt.Errorf("failed to remove staging directory: %w", err)
	}
	return nil
}

// InPlace is false: local writes are staged.
func (s *LocalStore) InPlace() bool { return false }

// Release removes the run's staging directory, and the staging root when
// no other run is using it.
func (s *LocalStore) Release(_ context.Context, output Location, runID string) error {
	root := filepath.Join(output.Path, StagingDir)
	if err := os.RemoveAll(filepath.Join(root, runID)); err != nil {
		return fmt.Errorf("failed to remove staging directory: %w", err)
	}
	if err := os.Remove(root); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("staging root not removed", slog.String("path", root), slog.String("error", err.Error()))
	}
	return nil
}

// S3Store purges the table prefix before the engine rewrites it in place.
// There is no atomic swap on S3; a failed write leaves the prefix partial.
type S3Store struct {
	objects *ObjectClient
	logger  *slog.Logger
}

// NewS3Store creates an object-store backed store.
func NewS3Store(objects *ObjectClient, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &S3Store{objects: objects, logger: logger}
}

// Prepare deletes everything under final and returns final.
func (s *S3Store) Prepare(ctx context.Context, final Location, _ string) (Location, error) {
	deleted, err := s.objects.DeletePrefix(ctx, final)
	if err != nil {
		return Location{}, err
	}
	s.logger.Debug("purged output prefix",
		slog.String("location", final.String()), slog.Int("objects", deleted))
	return final, nil
}

// Commit is a no-op: objects were written at their final keys.
func (s *S3Store) Commit(context.Context, Location, Location) error { return nil }

// Abort is a no-op: the purged content cannot be restored.
func (s *S3Store) Abort(_ context.Context, target Location) error {
	s.logger.Warn("write aborted, output prefix may be partial", slog.String("location", target.String()))
	return nil
}

// InPlace is true: the engine writes directly to the final prefix.
func (s *S3Store) InPlace() bool { return true }

// Release is a no-op: nothing is staged.
func (s *S3Store) Release(context.Context, Location, string) error { return nil }

// Resolver picks the store for a location.
type Resolver struct {
	Local *LocalStore
	S3    *S3Store
}

// For returns the store that handles loc.
func (r *Resolver) For(loc Location) (Store, error) {
	if loc.IsRemote() {
		if r.S3 == nil {
			return nil, fmt.Errorf("no object store configured for %s", loc)
		}
		return r.S3, nil
	}
	if r.Local == nil {
		return nil, fmt.Errorf("no local store configured for %s", loc)
	}
	return r.Local, nil
}

var (
	_ Store = (*LocalStore)(nil)
	_ Store = (*S3Store)(nil)
)
