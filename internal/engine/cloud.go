package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	vhfs "github.com/vaulthalla/vaulthalla/internal/fs"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/preview"
	"github.com/vaulthalla/vaulthalla/internal/s3"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

// ErrNotCloud guards cloud-only operations on local engines.
var ErrNotCloud = errors.New("engine: not a cloud engine")

// S3 returns the bound controller.
func (e *Engine) S3() *s3.Controller {
	if e.cloud == nil {
		return nil
	}
	return e.cloud.S3
}

// EncryptUpstream reports whether remote objects hold ciphertext.
func (e *Engine) EncryptUpstream() bool {
	return e.cloud != nil && e.cloud.EncryptUpstream
}

// objectKey maps a vault-relative path onto the bucket namespace.
func objectKey(rel string) string { return strings.TrimPrefix(cleanRel(rel), "/") }

// relFromKey is the inverse of objectKey.
func relFromKey(key string) string { return "/" + strings.TrimPrefix(key, "/") }

func (e *Engine) uploadMeta(f *types.File, encrypted bool) map[string]string {
	meta := map[string]string{
		s3.MetaContentHash: f.ContentHash,
		s3.MetaEncrypted:   strconv.FormatBool(encrypted),
	}
	if encrypted {
		meta[s3.MetaIV] = f.EncryptionIV
		meta[s3.MetaKeyVersion] = strconv.FormatUint(uint64(f.EncryptedWithKeyVersion), 10)
	}
	return meta
}

// Upload pushes one file to the bucket. With encryptUpstream the object is
// ciphertext (encrypting a plaintext buffer first); otherwise plaintext
// (decrypting a ciphertext buffer or the backing file first). Passing a nil
// buffer reads from the backing disk, whose bytes are ciphertext whenever
// the file is encrypted.
func (e *Engine) Upload(ctx context.Context, f *types.File, buffer []byte, isCiphertext bool) error {
	if e.cloud == nil {
		return ErrNotCloud
	}

	var err error
	if buffer == nil {
		buffer, err = readBacking(f)
		if err != nil {
			return err
		}
		isCiphertext = f.Encrypted()
	}

	var payload []byte
	if e.cloud.EncryptUpstream {
		switch {
		case isCiphertext:
			payload = buffer
		case len(buffer) == 0:
			// Empty files carry no ciphertext anywhere.
			return e.cloud.S3.Upload(ctx, objectKey(f.Path), nil, e.uploadMeta(f, false))
		default:
			if payload, err = e.keys.Encrypt(buffer, f); err != nil {
				return err
			}
			if err := e.store.Entries().UpsertFile(ctx, f); err != nil {
				return err
			}
		}
	} else {
		if isCiphertext {
			if payload, err = e.keys.Decrypt(buffer, f.EncryptionIV, f.EncryptedWithKeyVersion); err != nil {
				return err
			}
		} else {
			payload = buffer
		}
	}

	return e.cloud.S3.Upload(ctx, objectKey(f.Path), payload, e.uploadMeta(f, e.cloud.EncryptUpstream))
}

// DownloadToBuffer fetches raw object bytes and head metadata.
func (e *Engine) DownloadToBuffer(ctx context.Context, rel string) ([]byte, *s3.HeadInfo, error) {
	if e.cloud == nil {
		return nil, nil, ErrNotCloud
	}
	return e.cloud.S3.DownloadToBuffer(ctx, objectKey(rel))
}

// RemoteIVAndVersion reads the crypto metadata of a remote object, falling
// back to the catalog row. Fails closed: an encrypted object without a
// resolvable (iv, version) pair is undecryptable.
func (e *Engine) RemoteIVAndVersion(ctx context.Context, rel string, head *s3.HeadInfo) (string, uint, error) {
	if head != nil {
		iv := head.Metadata[s3.MetaIV]
		if v, err := strconv.ParseUint(head.Metadata[s3.MetaKeyVersion], 10, 32); err == nil && iv != "" {
			return iv, uint(v), nil
		}
	}
	row, err := e.store.Entries().FileByPath(ctx, e.vault.ID, cleanRel(rel))
	if err == nil && row.EncryptionIV != "" {
		return row.EncryptionIV, row.EncryptedWithKeyVersion, nil
	}
	return "", 0, fmt.Errorf("no iv/key-version for encrypted object %s", rel)
}

// DownloadFile fetches one object, decrypts it when the remote says it is
// ciphertext, materialises it locally through the orchestrator and reposts
// the object metadata so the remote record matches what was indexed.
func (e *Engine) DownloadFile(ctx context.Context, rel string, userID uint) (*types.File, error) {
	body, head, err := e.DownloadToBuffer(ctx, rel)
	if err != nil {
		return nil, err
	}

	plaintext := body
	if head.Metadata[s3.MetaEncrypted] == "true" {
		iv, version, err := e.RemoteIVAndVersion(ctx, rel, head)
		if err != nil {
			return nil, err
		}
		if plaintext, err = e.keys.Decrypt(body, iv, version); err != nil {
			return nil, err
		}
	}

	f, err := e.CreateFile(ctx, vhfs.CreateFileRequest{
		FusePath:  rel,
		Buffer:    plaintext,
		Mode:      0o644,
		UserID:    userID,
		Overwrite: true,
		SkipSync:  true,
	})
	if err != nil {
		return nil, err
	}

	// Repost metadata describing the object as it actually is upstream,
	// with the content hash refreshed from the indexed plaintext.
	meta := map[string]string{
		s3.MetaContentHash: f.ContentHash,
		s3.MetaEncrypted:   head.Metadata[s3.MetaEncrypted],
	}
	if meta[s3.MetaEncrypted] == "" {
		meta[s3.MetaEncrypted] = "false"
	}
	if meta[s3.MetaEncrypted] == "true" {
		meta[s3.MetaIV] = head.Metadata[s3.MetaIV]
		meta[s3.MetaKeyVersion] = head.Metadata[s3.MetaKeyVersion]
	}
	if err := e.cloud.S3.UpdateMetadata(ctx, objectKey(rel), meta); err != nil {
		e.log.WithVault(e.vault.ID).WithError(err).WithField("path", rel).
			Warn("failed to repost object metadata")
	}
	return f, nil
}

// IndexAndDeleteFile downloads and indexes an object, then drops the local
// copy; Cache strategy uses it to populate the catalog without keeping
// bytes resident.
func (e *Engine) IndexAndDeleteFile(ctx context.Context, rel string, userID uint) (*types.File, error) {
	f, err := e.DownloadFile(ctx, rel, userID)
	if err != nil {
		return nil, err
	}
	e.RemoveLocally(f.Path, "", f.BackingPath)
	return f, nil
}

// RemoteContentHash returns the content-hash metadata of one object.
func (e *Engine) RemoteContentHash(ctx context.Context, rel string) (string, error) {
	if e.cloud == nil {
		return "", ErrNotCloud
	}
	head, err := e.cloud.S3.HeadObject(ctx, objectKey(rel))
	if err != nil {
		return "", err
	}
	return head.Metadata[s3.MetaContentHash], nil
}

// GroupedFilesFromS3 lists the bucket under prefix into rel-path-keyed file
// stubs carrying size and mtime.
func (e *Engine) GroupedFilesFromS3(ctx context.Context, prefix string) (map[string]*types.File, error) {
	if e.cloud == nil {
		return nil, ErrNotCloud
	}
	objects, err := e.cloud.S3.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.File, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue // directory marker
		}
		rel := relFromKey(obj.Key)
		out[rel] = &types.File{
			Entry: types.Entry{
				VaultID:   e.vault.ID,
				Name:      path.Base(rel),
				Path:      rel,
				UpdatedAt: obj.LastModified,
			},
			SizeBytes: obj.SizeBytes,
		}
	}
	return out, nil
}

// ExtractDirectories returns the minimal set of directories (shallowest
// first) whose existence must be ensured for the given remote files.
func (e *Engine) ExtractDirectories(ctx context.Context, files []*types.File) ([]*types.Directory, error) {
	seen := make(map[string]*types.Directory)
	for _, f := range files {
		dir := path.Dir(f.Path)
		for dir != "/" && dir != "." {
			if _, ok := seen[dir]; !ok {
				_, err := e.store.Entries().DirectoryByPath(ctx, e.vault.ID, dir)
				switch {
				case err == nil:
					// exists already
				case errors.Is(err, catalog.ErrNotFound):
					seen[dir] = &types.Directory{Entry: types.Entry{
						VaultID: e.vault.ID,
						Name:    path.Base(dir),
						Path:    dir,
					}}
				default:
					return nil, err
				}
			}
			dir = path.Dir(dir)
		}
	}

	out := make([]*types.Directory, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i].Path, "/"), strings.Count(out[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Purge removes a trashed file's remote object, its thumbnails and any
// local remains, then marks the trash row deleted.
func (e *Engine) Purge(ctx context.Context, t *types.TrashedFile) error {
	if e.cloud == nil {
		return ErrNotCloud
	}
	if err := e.cloud.S3.DeleteObject(ctx, objectKey(t.Path)); err != nil {
		return err
	}
	if err := preview.PurgeThumbnails(e.resolver.RootPath(paths.ThumbnailRoot), t.Base32Alias); err != nil {
		e.log.WithVault(e.vault.ID).WithError(err).Debug("thumbnail purge failed")
	}
	e.RemoveLocally(t.Path, "", t.BackingPath)
	return e.store.Trash().MarkDeleted(ctx, t.ID)
}

// RemoveRemotely deletes one object plus its thumbnails.
func (e *Engine) RemoveRemotely(ctx context.Context, rel string, rmThumbnails bool) error {
	if e.cloud == nil {
		return ErrNotCloud
	}
	if err := e.cloud.S3.DeleteObject(ctx, objectKey(rel)); err != nil {
		return err
	}
	if rmThumbnails {
		e.PurgeThumbnails(ctx, rel)
	}
	return nil
}
