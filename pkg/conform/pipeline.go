package conform

import (
	"context"

	"github.com/spf13/afero"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
)

// finalize runs manifest, sign, bundle and index in that order. Each stage
// sees the output of the previous one.
func (e *Engine) finalize(ctx context.Context, out afero.Fs, report *Report) error {
	stage := func(name string, fn func() error) error {
		_, done := e.track(ctx, "conform.stage."+name)
		err := fn()
		done(err)
		if err != nil {
			return wrapStage(name, err)
		}
		e.logger.DebugContext(ctx, "stage complete", "component", "conform", "stage", name)
		return nil
	}

	if err := stage("manifest", func() error {
		_, err := evidence.WriteManifest(out, e.clock())
		return err
	}); err != nil {
		return err
	}

	if e.signer != nil {
		if err := stage("sign", func() error {
			_, err := evidence.SignManifest(out, e.signer)
			return err
		}); err != nil {
			return err
		}
		report.Signed = true
	}

	if e.profile.BundleEnabled() {
		if err := stage("bundle", func() error {
			_, err := evidence.WriteBundle(out)
			return err
		}); err != nil {
			return err
		}
		report.Bundled = true
	}

	return stage("index", func() error {
		desc, sums, err := evidence.WriteIndex(out)
		if err != nil {
			return err
		}
		report.Descriptor = desc
		report.Checksums = sums
		return nil
	})
}
