package verifier

import (
	"fmt"
	"os"

	"github.com/sigstore/sigstore-go/pkg/root"
	"github.com/sigstore/sigstore/pkg/tuf"
)

// LoadTrustedRoot builds the Sigstore trust material a Verifier needs
// (Fulcio root CA, Rekor transparency log key, TSA certs). When
// trustedRootPath is non-empty it is read as a manual trusted_root.json
// bundle (the "air-gapped" path, for environments without TUF access);
// otherwise trust material is fetched from the public Sigstore TUF
// repository (or tufMirror, if set) and cached under cacheDir.
func LoadTrustedRoot(trustedRootPath, tufMirror, cacheDir string) (*root.TrustedRoot, error) {
	if trustedRootPath != "" {
		raw, err := os.ReadFile(trustedRootPath)
		if err != nil {
			return nil, fmt.Errorf("reading trusted root bundle %q: %w", trustedRootPath, err)
		}
		tr, err := root.NewTrustedRootFromJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted root bundle %q: %w", trustedRootPath, err)
		}
		return tr, nil
	}

	opts := tuf.DefaultOptions()
	opts.CachePath = cacheDir
	if tufMirror != "" {
		opts.RepositoryBaseURL = tufMirror
	}
	tufClient, err := tuf.New(opts)
	if err != nil {
		return nil, fmt.Errorf("initializing TUF client against %q: %w", opts.RepositoryBaseURL, err)
	}

	tr, err := root.GetTrustedRoot(tufClient)
	if err != nil {
		return nil, fmt.Errorf("fetching trusted root from TUF repository: %w", err)
	}
	return tr, nil
}
