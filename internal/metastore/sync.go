package metastore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/objstore"
	"jobd/pkg/backoff"
)

// Metadata tags carried on the pushed database object.
const (
	TagVNum       = "vnum"
	TagJobsSince  = "jobs_since"
	TagLatestJob  = "latest_job"
	TagAppVersion = "app_version"
)

const defaultMutateRetries = 3

var mutateBackoff = &backoff.Config{
	Initial: 250 * time.Millisecond,
	Max:     5 * time.Second,
}

// Syncer mirrors the local metadata database into the object store.
//
// The remote copy wins whenever its version counter or jobs_since watermark
// is ahead of the local one. Pushes check the remote tags first; a remote
// that moved ahead since the last pull fails the push with ErrStaleVersion,
// and Mutate resolves that by re-pulling and re-applying the mutation.
type Syncer struct {
	store      *Store
	remote     objstore.Store
	key        string
	appVersion string
	log        *slog.Logger

	retry      *backoff.Config
	maxRetries int
}

// NewSyncer wires a local store to its remote copy at key.
func NewSyncer(store *Store, remote objstore.Store, key, appVersion string, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		store:      store,
		remote:     remote,
		key:        key,
		appVersion: appVersion,
		log:        log,
		retry:      mutateBackoff,
		maxRetries: defaultMutateRetries,
	}
}

// Key returns the remote object key the database is mirrored to.
func (sy *Syncer) Key() string { return sy.key }

// RemoteVersion reads the version tags off the remote database object.
// found is false when no remote copy exists yet.
func (sy *Syncer) RemoteVersion(ctx context.Context) (vnum, jobsSince int64, found bool, err error) {
	tags, err := sy.remote.Metadata(ctx, sy.key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}

	vnum, err = parseTag(tags, TagVNum)
	if err != nil {
		return 0, 0, false, err
	}
	jobsSince, err = parseTag(tags, TagJobsSince)
	if err != nil {
		return 0, 0, false, err
	}
	return vnum, jobsSince, true, nil
}

func parseTag(tags map[string]string, name string) (int64, error) {
	raw, ok := tags[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.Internal("metastore.sync", err)
	}
	return n, nil
}

// IsRemoteNewer reports whether the remote copy is ahead of the local one:
// its version counter is higher, or its jobs_since watermark is. A missing
// remote copy is never newer.
func (sy *Syncer) IsRemoteNewer(ctx context.Context) (bool, error) {
	localVNum, localSince, err := sy.store.Version(ctx)
	if err != nil {
		return false, err
	}
	remoteVNum, remoteSince, found, err := sy.RemoteVersion(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return remoteVNum > localVNum || remoteSince > localSince, nil
}

// Pull replaces the local database file with the remote copy: close handles,
// download over the live path (the object store writes via temp file and
// rename), drop the replaced file's journal sidecars, reopen, integrity
// check. With onlyIfNewer it does nothing unless the remote is ahead.
func (sy *Syncer) Pull(ctx context.Context, onlyIfNewer bool) error {
	if onlyIfNewer {
		newer, err := sy.IsRemoteNewer(ctx)
		if err != nil {
			return err
		}
		if !newer {
			return nil
		}
	}

	if err := sy.store.close(); err != nil {
		return apperrors.Internal("metastore.pull", err)
	}

	if err := sy.remote.Download(ctx, sy.key, sy.store.path); err != nil {
		// The old file is intact; put the handle back before reporting.
		if reopenErr := sy.store.reopen(); reopenErr != nil {
			return reopenErr
		}
		return err
	}

	// Journal sidecars belong to the file just replaced.
	os.Remove(sy.store.path + "-wal")
	os.Remove(sy.store.path + "-shm")

	if err := sy.store.reopen(); err != nil {
		return err
	}

	vnum, since, err := sy.store.Version(ctx)
	if err != nil {
		return err
	}
	sy.log.InfoContext(ctx, "pulled metadata store", "vnum", vnum, "jobs_since", since)
	return nil
}

// Push uploads the local database file to the object store, tagged with the
// version counter, jobs_since watermark, latest job ID, and app version.
// A remote copy that moved ahead since the last pull fails the push with
// ErrStaleVersion. With onlyIfNewer the push is skipped when the remote
// counter is already at or past the local one.
func (sy *Syncer) Push(ctx context.Context, onlyIfNewer bool) error {
	localVNum, localSince, err := sy.store.Version(ctx)
	if err != nil {
		return err
	}
	remoteVNum, remoteSince, found, err := sy.RemoteVersion(ctx)
	if err != nil {
		return err
	}
	if found {
		if remoteVNum > localVNum || remoteSince > localSince {
			return apperrors.StaleVersion("metastore.push", localVNum, remoteVNum)
		}
		if onlyIfNewer && remoteVNum >= localVNum {
			return nil
		}
	}

	latest, err := sy.store.LatestJobID(ctx)
	if err != nil {
		return err
	}
	if err := sy.store.checkpoint(ctx); err != nil {
		return err
	}

	tags := map[string]string{
		TagVNum:       strconv.FormatInt(localVNum, 10),
		TagJobsSince:  strconv.FormatInt(localSince, 10),
		TagLatestJob:  strconv.FormatInt(latest, 10),
		TagAppVersion: sy.appVersion,
	}
	if err := sy.remote.Upload(ctx, sy.store.path, sy.key, tags); err != nil {
		return err
	}

	sy.log.InfoContext(ctx, "pushed metadata store", "vnum", localVNum, "jobs_since", localSince, "latest_job", latest)
	return nil
}

// Connect brings local and remote into first contact: pull when a remote
// copy exists, publish the fresh local file when none does.
func (sy *Syncer) Connect(ctx context.Context) error {
	exists, err := sy.remote.Exists(ctx, sy.key)
	if err != nil {
		return err
	}
	if exists {
		return sy.Pull(ctx, false)
	}
	sy.log.InfoContext(ctx, "no remote metadata store, publishing local", "key", sy.key)
	return sy.Push(ctx, false)
}

// Apply runs fn against the local store and pushes the result, without
// pulling first. Worker processes share the daemon's database file, so a
// pull from inside one would rename a fresh copy over the path while sibling
// handles still point at the old inode; workers only ever apply and push.
// A push that loses the version race surfaces ErrStaleVersion to the caller,
// whose failure path (the job error, then reconciliation) retries the work.
func (sy *Syncer) Apply(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	return sy.Push(ctx, false)
}

// Mutate applies fn between a freshening pull and a push. A push that loses
// the version race is retried: pull the newer remote copy, re-apply fn
// against it, push again, bounded by the retry budget. fn must therefore be
// safe to re-apply; the store's no-op-when-equal updates make that the norm.
func (sy *Syncer) Mutate(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= sy.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, backoff.Exponential(attempt, sy.retry)); err != nil {
				return err
			}
			sy.log.WarnContext(ctx, "push conflict, re-pulling", "attempt", attempt, "error", lastErr)
		}

		if err := sy.Pull(ctx, true); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if err := fn(ctx); err != nil {
			return err
		}

		err := sy.Push(ctx, false)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperrors.ErrStaleVersion) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
