package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
	"github.com/veranemoloko/download-orchestrator/internal/integrity"
)

var forbiddenHosts = []string{
	"localhost",
	"127.0.0.1",
	"::1",
	"0.0.0.0",
	"169.254.169.254",
}

// Validator checks task specs submitted by callers.
type Validator struct {
	validate     *validator.Validate
	allowPrivate bool
}

// New registers the locator, public_host and digest tags. With
// allowPrivateHosts set, locators may point at loopback and private
// addresses.
func New(allowPrivateHosts bool) *Validator {
	v := &Validator{
		validate:     validator.New(),
		allowPrivate: allowPrivateHosts,
	}
	_ = v.validate.RegisterValidation("locator", validateLocator)
	_ = v.validate.RegisterValidation("public_host", v.validatePublicHost)
	_ = v.validate.RegisterValidation("digest", validateDigest)
	return v
}

// TaskSpec validates one spec. Failures wrap errors.ErrInvalidTaskSpec.
func (v *Validator) TaskSpec(spec domain.TaskSpec) error {
	if err := v.validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %s", errpkg.ErrInvalidTaskSpec, describe(err))
	}
	return nil
}

// Batch validates a batch request and every spec in it.
func (v *Validator) Batch(req domain.CreateBatchRequest) error {
	if err := v.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", errpkg.ErrInvalidTaskSpec, describe(err))
	}
	return nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func validateLocator(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	return true
}

// validatePublicHost accepts a bare host or a URL whose host is not
// loopback, private or link-local.
func (v *Validator) validatePublicHost(fl validator.FieldLevel) bool {
	if v.allowPrivate {
		return true
	}
	host := fl.Field().String()
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return false
		}
		host = u.Hostname()
	}
	return isPublicHost(host)
}

func isPublicHost(host string) bool {
	for _, forbidden := range forbiddenHosts {
		if strings.EqualFold(host, forbidden) {
			return false
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return false
		}
	}

	return true
}

func validateDigest(fl validator.FieldLevel) bool {
	_, err := integrity.ParseDigest(fl.Field().String())
	return err == nil
}
