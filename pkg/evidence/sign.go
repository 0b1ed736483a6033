package evidence

import (
	"fmt"

	"github.com/spf13/afero"
)

// Signer produces a detached signature over raw bytes.
type Signer interface {
	Sign(msg []byte) []byte
}

// SignManifest signs the exact bytes of manifest.json as stored and writes
// the raw signature to manifest.sig.
func SignManifest(fs afero.Fs, signer Signer) ([]byte, error) {
	data, err := afero.ReadFile(fs, ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	sig := signer.Sign(data)
	if err := afero.WriteFile(fs, SignatureFile, sig, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", SignatureFile, err)
	}
	return sig, nil
}
