package integrity

import (
	"context"
	// register hash implementations used by go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"

	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

// ParseDigest accepts "algo:hex" or bare hex whose length selects sha256,
// sha384 or sha512.
func ParseDigest(s string) (digest.Digest, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		d, err := digest.Parse(strings.ToLower(s))
		if err != nil {
			return "", fmt.Errorf("invalid digest %q: %w", s, err)
		}
		return d, nil
	}

	var alg digest.Algorithm
	switch len(s) {
	case 64:
		alg = digest.SHA256
	case 96:
		alg = digest.SHA384
	case 128:
		alg = digest.SHA512
	default:
		return "", fmt.Errorf("invalid digest %q: cannot infer algorithm from length %d", s, len(s))
	}
	d := digest.NewDigestFromEncoded(alg, strings.ToLower(s))
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}

// Verifier checks a finished artifact against its expected size and digest.
type Verifier struct {
	logger *slog.Logger
}

func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{logger: logger}
}

// Verify returns nil when path matches, an *errors.IntegrityError on a
// mismatch, or another error when the file could not be read. The size is
// checked only when expectedSize >= 0 and the digest only when non-empty.
func (v *Verifier) Verify(ctx context.Context, path string, expectedSize int64, expectedDigest string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &errpkg.IntegrityError{Path: path, Reason: "artifact missing"}
		}
		return fmt.Errorf("stat artifact: %w", err)
	}

	if expectedSize >= 0 && info.Size() != expectedSize {
		return &errpkg.IntegrityError{
			Path:   path,
			Reason: fmt.Sprintf("size %d, expected %d", info.Size(), expectedSize),
		}
	}

	if expectedDigest == "" {
		return nil
	}

	want, err := ParseDigest(expectedDigest)
	if err != nil {
		return &errpkg.IntegrityError{Path: path, Reason: err.Error()}
	}
	if !want.Algorithm().Available() {
		return &errpkg.IntegrityError{Path: path, Reason: fmt.Sprintf("unsupported algorithm %s", want.Algorithm())}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	got, err := want.Algorithm().FromReader(&ctxReader{ctx: ctx, r: f})
	if err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}
	if got != want {
		return &errpkg.IntegrityError{
			Path:   path,
			Reason: fmt.Sprintf("digest %s, expected %s", got, want),
		}
	}

	v.logger.Debug("Artifact verified", "path", path, "digest", got.String())
	return nil
}

// ctxReader stops hashing once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
