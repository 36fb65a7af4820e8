package jobengine

import (
	"context"

	"github.com/google/uuid"

	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/metastore"
)

// InvalidateMosaic drops every cached tile for one mosaic: the BlobStore
// objects under its path prefix, its MetaStore handle, and any matching
// LocalCache entries, following the delete step of the teacher's
// invalidation runner (pkg/invalidation/kafka.Runner.applyWire) generalized
// from an H3-cell key list to one hierarchical blob prefix. Hotness scores
// of the dropped tiles are not reset.
// Exported so ControlPlane's coarse layer/year clear endpoint can reuse it
// per mosaic without needing an Engine.
func InvalidateMosaic(ctx context.Context, blobs blobstore.Store, meta metastore.Store, local *localcache.Cache, p InvalidatePayload) (deleted int, err error) {
	prefix := keyspace.MosaicPrefix(p.Mosaic)
	deleted, err = blobs.DeletePrefix(ctx, prefix)
	if err != nil {
		return deleted, err
	}
	if err := meta.Del(ctx, keyspace.MosaicKeyString(p.Mosaic)); err != nil {
		return deleted, err
	}
	if local != nil {
		local.RemovePrefix(keyspace.MosaicKeyString(p.Mosaic))
	}
	return deleted, nil
}

func newJobID() string { return uuid.NewString() }
