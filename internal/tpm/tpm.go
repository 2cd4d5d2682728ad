package tpm

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/vaulthalla/vaulthalla/internal/logging"
)

const (
	privBlobName = "master.priv"
	pubBlobName  = "master.pub"

	defaultDevice = "/dev/tpmrm0"
)

// srkTemplate is a restricted decrypt RSA primary under the storage owner,
// the conventional parent for sealed keyedhash objects.
var srkTemplate = tpm2.Public{
	Type:    tpm2.AlgRSA,
	NameAlg: tpm2.AlgSHA256,
	Attributes: tpm2.FlagFixedTPM | tpm2.FlagFixedParent | tpm2.FlagSensitiveDataOrigin |
		tpm2.FlagUserWithAuth | tpm2.FlagRestricted | tpm2.FlagDecrypt | tpm2.FlagNoDA,
	RSAParameters: &tpm2.RSAParams{
		Symmetric: &tpm2.SymScheme{
			Alg:     tpm2.AlgAES,
			KeyBits: 128,
			Mode:    tpm2.AlgCFB,
		},
		KeyBits: 2048,
	},
}

// SealedProvider unseals the master key from TPM-sealed blobs persisted in
// the runtime directory. On first run it generates the key, seals it, and
// writes the blobs.
type SealedProvider struct {
	key [32]byte
	log *logging.Logger
}

// Options configures NewSealedProvider.
type Options struct {
	// Device is the TPM character device; defaults to /dev/tpmrm0.
	Device string
	// RuntimeDir holds master.priv / master.pub.
	RuntimeDir string
}

// NewSealedProvider opens the TPM, loads or creates the sealed master key,
// and closes the TPM again. Any failure maps to ErrTPMUnavailable.
func NewSealedProvider(opts Options, log *logging.Logger) (*SealedProvider, error) {
	device := opts.Device
	if device == "" {
		device = defaultDevice
	}

	rwc, err := tpm2.OpenTPM(device)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTPMUnavailable, device, err)
	}
	defer rwc.Close()

	srk, err := createPrimary(rwc)
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext(rwc, srk)

	p := &SealedProvider{log: log}

	privPath := filepath.Join(opts.RuntimeDir, privBlobName)
	pubPath := filepath.Join(opts.RuntimeDir, pubBlobName)

	priv, errPriv := os.ReadFile(privPath)
	pub, errPub := os.ReadFile(pubPath)
	if errPriv == nil && errPub == nil {
		key, err := unseal(rwc, srk, pub, priv)
		if err != nil {
			return nil, err
		}
		copy(p.key[:], key)
		log.WithSubsystem().Debug("master key unsealed from persisted blobs")
		return p, nil
	}
	if !os.IsNotExist(errPriv) && errPriv != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTPMUnavailable, privPath, errPriv)
	}

	// First run: generate, seal, persist.
	if _, err := io.ReadFull(rand.Reader, p.key[:]); err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrTPMUnavailable, err)
	}
	priv, pub, err = tpm2.Seal(rwc, srk, "", "", nil, p.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrTPMUnavailable, err)
	}
	if err := os.MkdirAll(opts.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir runtime: %v", ErrTPMUnavailable, err)
	}
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrTPMUnavailable, privPath, err)
	}
	if err := os.WriteFile(pubPath, pub, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrTPMUnavailable, pubPath, err)
	}
	log.WithSubsystem().Info("master key generated and sealed to TPM")
	return p, nil
}

func createPrimary(rwc io.ReadWriter) (tpmutil.Handle, error) {
	srk, _, err := tpm2.CreatePrimary(rwc, tpm2.HandleOwner, tpm2.PCRSelection{}, "", "", srkTemplate)
	if err != nil {
		return 0, fmt.Errorf("%w: create primary: %v", ErrTPMUnavailable, err)
	}
	return srk, nil
}

func unseal(rwc io.ReadWriter, srk tpmutil.Handle, pub, priv []byte) ([]byte, error) {
	item, _, err := tpm2.Load(rwc, srk, "", pub, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: load sealed blobs: %v", ErrTPMUnavailable, err)
	}
	defer tpm2.FlushContext(rwc, item)

	key, err := tpm2.Unseal(rwc, item, "")
	if err != nil {
		return nil, fmt.Errorf("%w: unseal: %v", ErrTPMUnavailable, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: unsealed key has %d bytes", ErrTPMUnavailable, len(key))
	}
	return key, nil
}

// MasterKey returns the unsealed master key.
func (p *SealedProvider) MasterKey() [32]byte { return p.key }

// Close zeroes the in-memory key.
func (p *SealedProvider) Close() error {
	p.key = [32]byte{}
	return nil
}
