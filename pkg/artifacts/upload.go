package artifacts

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
)

// Uploaded records one stored evidence file.
type Uploaded struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Size   int    `json:"size"`
}

// uploadSet is what leaves the evidence directory. The descriptor and
// checksum ledger let a consumer re-derive everything else from the bundle.
var uploadSet = []string{evidence.BundleFile, evidence.DescriptorFile, evidence.ChecksumsFile}

// Upload stores the bundle, descriptor and checksum ledger from out. Files
// that do not exist (bundle.zip when bundling is off) are skipped. The
// stored digest equals the sha256 recorded in checksums.json.
func Upload(ctx context.Context, store Store, out afero.Fs) ([]Uploaded, error) {
	var done []Uploaded
	for _, name := range uploadSet {
		data, err := afero.ReadFile(out, name)
		if err != nil {
			if ok, _ := afero.Exists(out, name); !ok {
				continue
			}
			return done, fmt.Errorf("read %s: %w", name, err)
		}
		digest, err := store.Store(ctx, data)
		if err != nil {
			return done, fmt.Errorf("upload %s: %w", name, err)
		}
		done = append(done, Uploaded{Path: name, Digest: digest, Size: len(data)})
	}
	if len(done) == 0 {
		return nil, fmt.Errorf("nothing to upload: %s missing", evidence.DescriptorFile)
	}
	return done, nil
}
