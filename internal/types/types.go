// Package types holds the persistent entities of the vault catalog: vaults,
// keys, filesystem entries, trash, pending operations, sync events and
// policies. The catalog store is the source of truth for all of them.
package types

import "time"

// VaultType distinguishes local-only vaults from S3-backed ones.
type VaultType string

const (
	VaultLocal VaultType = "local"
	VaultCloud VaultType = "cloud"
)

// Vault is a logically independent, separately keyed, separately synced
// portion of the mounted filesystem.
type Vault struct {
	ID          uint      `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Type        VaultType `db:"type"`
	OwnerID     uint      `db:"owner_id"`
	QuotaBytes  uint64    `db:"quota_bytes"`

	// MountAlias is a unique, opaque base32 identifier naming the vault's
	// backing directory independent of its human name. Renaming a vault
	// never moves backing data.
	MountAlias string `db:"mount_alias"`

	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	// Cloud is set only for VaultCloud vaults.
	Cloud *CloudVault `db:"-"`
}

// CloudVault carries the S3 binding of a cloud vault.
type CloudVault struct {
	APIKeyID        uint   `db:"api_key_id"`
	Bucket          string `db:"bucket"`
	EncryptUpstream bool   `db:"encrypt_upstream"`
}

// IsCloud reports whether the vault syncs against an object store.
func (v *Vault) IsCloud() bool { return v.Type == VaultCloud && v.Cloud != nil }

// APIKey is an S3-compatible credential set. Secret fields are encrypted at
// rest by the catalog store under the master key.
type APIKey struct {
	ID              uint   `db:"id"`
	OwnerID         uint   `db:"owner_id"`
	Provider        string `db:"provider"`
	Region          string `db:"region"`
	AccessKey       string `db:"access_key"`
	SecretAccessKey string `db:"secret_access_key"`
	Endpoint        string `db:"endpoint"`
}

// VaultKey is one sealed version of a vault's data key. Versions are
// monotonic per vault starting at 1.
type VaultKey struct {
	VaultID      uint      `db:"vault_id"`
	Version      uint      `db:"version"`
	EncryptedKey []byte    `db:"encrypted_key"`
	IV           []byte    `db:"iv"`
	CreatedAt    time.Time `db:"created_at"`
}

// Entry is the base of Directory and File.
type Entry struct {
	ID       uint   `db:"id"`
	Inode    uint64 `db:"inode"`
	VaultID  uint   `db:"vault_id"`
	ParentID *uint  `db:"parent_id"`
	Name     string `db:"name"`

	// Base32Alias names the entry on the backing disk; the mount-visible
	// name never touches disk.
	Base32Alias string `db:"base32_alias"`

	Path        string `db:"path"`         // vault-relative
	FusePath    string `db:"fuse_path"`    // mount-visible
	BackingPath string `db:"backing_path"` // opaque, under the backing root

	Mode     uint32 `db:"mode"`
	OwnerUID uint32 `db:"owner_uid"`
	GroupGID uint32 `db:"group_gid"`
	IsHidden bool   `db:"is_hidden"`
	IsSystem bool   `db:"is_system"`

	CreatedBy      uint      `db:"created_by"`
	LastModifiedBy uint      `db:"last_modified_by"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// RootInode is the pre-seeded inode of the mount root.
const RootInode uint64 = 1

// Directory extends Entry with cached roll-up stats. The stats equal the
// sum over immediate children after every committed mutation.
type Directory struct {
	Entry
	SizeBytes         uint64 `db:"size_bytes"`
	FileCount         uint64 `db:"file_count"`
	SubdirectoryCount uint64 `db:"subdirectory_count"`
}

// File extends Entry with content metadata. When EncryptionIV is non-empty
// the backing path holds ciphertext produced by key version
// EncryptedWithKeyVersion with that (base64) GCM IV.
type File struct {
	Entry
	SizeBytes               uint64 `db:"size_bytes"`
	MimeType                string `db:"mime_type"`
	ContentHash             string `db:"content_hash"`
	EncryptionIV            string `db:"encryption_iv"`
	EncryptedWithKeyVersion uint   `db:"encrypted_with_key_version"`
}

// Encrypted reports whether the file's backing bytes are ciphertext.
func (f *File) Encrypted() bool { return f.EncryptionIV != "" }

// Node is implemented by *Directory and *File so caches and listings can
// treat entries uniformly.
type Node interface {
	Meta() *Entry
	Size() uint64
	IsDir() bool
}

func (d *Directory) Meta() *Entry { return &d.Entry }
func (d *Directory) Size() uint64 { return d.SizeBytes }
func (d *Directory) IsDir() bool  { return true }

func (f *File) Meta() *Entry { return &f.Entry }
func (f *File) Size() uint64 { return f.SizeBytes }
func (f *File) IsDir() bool  { return false }

// TrashedFile is a file awaiting reclaim by the sync task's Delete pass.
type TrashedFile struct {
	ID          uint       `db:"id"`
	VaultID     uint       `db:"vault_id"`
	Base32Alias string     `db:"base32_alias"`
	Path        string     `db:"path"`
	BackingPath string     `db:"backing_path"`
	TrashedAt   time.Time  `db:"trashed_at"`
	TrashedBy   uint       `db:"trashed_by"`
	DeletedAt   *time.Time `db:"deleted_at"`
	SizeBytes   uint64     `db:"size_bytes"`
}

// OpType classifies a pending file operation.
type OpType string

const (
	OpMove   OpType = "move"
	OpRename OpType = "rename"
	OpCopy   OpType = "copy"
)

// Operation is a pending move/rename/copy recorded for a file. At most one
// Operation is outstanding per file at a time; the sync task consumes them.
type Operation struct {
	ID              uint      `db:"id"`
	VaultID         uint      `db:"vault_id"`
	FileID          uint      `db:"file_id"`
	Op              OpType    `db:"op"`
	SourcePath      string    `db:"source_path"`
	DestinationPath string    `db:"destination_path"`
	CreatedAt       time.Time `db:"created_at"`
}
