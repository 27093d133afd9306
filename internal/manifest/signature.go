package manifest

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openbmc-project/fwupdated/internal/errcode"
)

// VerifySignatures checks every *.sig detached signature in dir against the
// corresponding artifact, using either the manifest's embedded publickey
// (if present) or a key from keystoreDir matching by filename. Absence of
// a publickey file in the package is not an error: signature verification
// is optional per the package format, restored here from the original
// implementation's signed-image interfaces that the distilled contract
// omitted.
func VerifySignatures(dir, keystoreDir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errcode.New(errcode.ImageError, "manifest.VerifySignatures", "read scratch dir", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sig" {
			continue
		}
		artifact := e.Name()[:len(e.Name())-len(".sig")]
		artifactPath := filepath.Join(dir, artifact)
		sigPath := filepath.Join(dir, e.Name())

		if _, err := os.Stat(artifactPath); err != nil {
			return errcode.New(errcode.ImageError, "manifest.VerifySignatures", "signature with no matching artifact "+artifact, err)
		}

		pub, err := loadPublicKey(dir, keystoreDir, artifact)
		if err != nil {
			return err
		}
		if pub == nil {
			// No trusted key found for this artifact; treat as unsigned.
			continue
		}
		if err := verifyOne(artifactPath, sigPath, pub); err != nil {
			return errcode.New(errcode.ImageError, "manifest.VerifySignatures", "signature mismatch for "+artifact, err)
		}
	}
	return nil
}

func loadPublicKey(dir, keystoreDir, artifact string) (ed25519.PublicKey, error) {
	// Prefer a key embedded in the package itself.
	if raw, err := os.ReadFile(filepath.Join(dir, "publickey")); err == nil {
		return parseEd25519PublicKeyPEM(raw)
	}
	if keystoreDir == "" {
		return nil, nil
	}
	candidate := filepath.Join(keystoreDir, artifact+".pub")
	raw, err := os.ReadFile(candidate)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errcode.New(errcode.ImageError, "manifest.loadPublicKey", "read keystore key", err)
	}
	return parseEd25519PublicKeyPEM(raw)
}

func parseEd25519PublicKeyPEM(raw []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("manifest: not a PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse public key: %w", err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("manifest: unsupported public key type %T", pub)
	}
	return key, nil
}

func verifyOne(artifactPath, sigPath string, pub ed25519.PublicKey) error {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return err
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
