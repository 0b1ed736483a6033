package evidence

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/canonicalize"
)

const signatureNote = "Signature over manifest.json (high-assurance profiles)."

// MediaType infers a media type from the file extension; "" when unknown.
func MediaType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return "application/json"
	case ".zip":
		return "application/zip"
	case ".txt", ".log":
		return "text/plain"
	case ".yaml", ".yml":
		return "text/yaml"
	case ".sig":
		return "application/octet-stream"
	default:
		return ""
	}
}

func exists(fs afero.Fs, name string) bool {
	info, err := fs.Stat(name)
	return err == nil && !info.IsDir()
}

// indexEntry describes name, hashing it when it exists.
func indexEntry(fs afero.Fs, kind, name, notes string) (IndexEntry, error) {
	e := IndexEntry{
		Kind:         kind,
		ArtifactKind: ArtifactKinds[kind],
		Path:         name,
		ProducedBy:   ToolName,
		Notes:        notes,
	}
	if exists(fs, name) {
		sum, err := HashFile(fs, name)
		if err != nil {
			return e, fmt.Errorf("hash %s: %w", name, err)
		}
		e.SHA256 = sum
		e.MediaType = MediaType(name)
	}
	return e, nil
}

// caseFiles lists cases/*.json in lexical order.
func caseFiles(fs afero.Fs) ([]string, error) {
	infos, err := afero.ReadDir(fs, CasesDir)
	if err != nil {
		if ok, _ := afero.DirExists(fs, CasesDir); !ok {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".json") {
			out = append(out, path.Join(CasesDir, info.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// WriteIndex builds bundle_descriptor.json and checksums.json from the
// current state of the output directory. It only reads run.json and the
// artifacts it indexes, so it can be rerun over a finished directory; an
// unchanged directory yields byte-identical output.
func WriteIndex(fs afero.Fs) (*Descriptor, *Checksums, error) {
	runRaw, err := afero.ReadFile(fs, RunFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", RunFile, err)
	}
	var run struct {
		EndedAt string `json:"ended_at"`
	}
	if err := json.Unmarshal(runRaw, &run); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", RunFile, err)
	}
	runDigest, err := canonicalize.CanonicalHash(json.RawMessage(runRaw))
	if err != nil {
		return nil, nil, fmt.Errorf("digest %s: %w", RunFile, err)
	}

	desc := &Descriptor{
		BundleVersion: BundleVersion,
		Run:           json.RawMessage(runRaw),
		RunDigest:     runDigest,
		Artifacts: ArtifactRoles{
			RunJSON:  RunFile,
			Verdicts: VerdictsFile,
			Manifest: ManifestFile,
			CasesDir: CasesDir,
		},
	}

	var index []IndexEntry
	add := func(kind, name, notes string) error {
		e, err := indexEntry(fs, kind, name, notes)
		if err != nil {
			return err
		}
		index = append(index, e)
		return nil
	}

	if err := add(KindRunJSON, RunFile, ""); err != nil {
		return nil, nil, err
	}
	if err := add(KindVerdicts, VerdictsFile, ""); err != nil {
		return nil, nil, err
	}
	if err := add(KindManifest, ManifestFile, ""); err != nil {
		return nil, nil, err
	}
	if exists(fs, SignatureFile) {
		desc.Artifacts.Signature = SignatureFile
		if err := add(KindSignature, SignatureFile, signatureNote); err != nil {
			return nil, nil, err
		}
	}

	cases, err := caseFiles(fs)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range cases {
		if err := add(KindCaseFile, c, ""); err != nil {
			return nil, nil, err
		}
	}

	if exists(fs, BundleFile) {
		desc.Artifacts.BundleZip = BundleFile
		if err := add(KindBundleZip, BundleFile, ""); err != nil {
			return nil, nil, err
		}
	}

	desc.ArtifactIndex = index
	if err := writeJSON(fs, DescriptorFile, desc); err != nil {
		return nil, nil, err
	}

	// The descriptor is hashed from a second read of what was just written.
	if err := add(KindDescriptor, DescriptorFile, ""); err != nil {
		return nil, nil, err
	}
	desc.ArtifactIndex = index

	sums := &Checksums{
		ChecksumsVersion: ChecksumVersion,
		Algorithm:        HashAlgorithm,
		GeneratedBy:      ToolName,
		GeneratedAt:      run.EndedAt,
		Entries:          []ChecksumEntry{},
	}
	for _, e := range index {
		if e.SHA256 != "" {
			sums.Entries = append(sums.Entries, ChecksumEntry{Path: e.Path, SHA256: e.SHA256})
		}
	}
	sort.Slice(sums.Entries, func(i, j int) bool { return sums.Entries[i].Path < sums.Entries[j].Path })

	if err := writeJSON(fs, ChecksumsFile, sums); err != nil {
		return nil, nil, err
	}
	return desc, sums, nil
}

// ReadChecksums loads checksums.json.
func ReadChecksums(fs afero.Fs) (*Checksums, error) {
	var c Checksums
	if err := readJSON(fs, ChecksumsFile, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ReadDescriptor loads bundle_descriptor.json.
func ReadDescriptor(fs afero.Fs) (*Descriptor, error) {
	var d Descriptor
	if err := readJSON(fs, DescriptorFile, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
