package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/nijaru/vidscribe/config"
	"github.com/nijaru/vidscribe/errors"
)

const maxKeyLength = 255

type Validator struct {
	upload config.UploadConfig
}

func NewValidator(cfg config.UploadConfig) *Validator {
	return &Validator{upload: cfg}
}

// ValidateContentKey accepts flat object keys such as "3f2a...c1.mp4".
func (v *Validator) ValidateContentKey(key string) error {
	const op = "Validator.ValidateContentKey"

	switch {
	case strings.TrimSpace(key) == "":
		return errors.InvalidInput(op, nil, "Content key is required")
	case len(key) > maxKeyLength:
		return errors.InvalidInput(op, nil, "Content key is too long")
	case strings.Contains(key, "..") || strings.ContainsAny(key, "/\\"):
		return errors.InvalidInput(op, nil, "Content key must not contain path separators")
	case strings.HasPrefix(key, "."):
		return errors.InvalidInput(op, nil, "Content key must not start with a dot")
	}

	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return errors.InvalidInput(op, nil, "Content key contains control characters")
		}
	}
	return nil
}

// ValidateUpload checks an uploaded file's name and size.
func (v *Validator) ValidateUpload(filename string, size int64) error {
	const op = "Validator.ValidateUpload"

	if strings.TrimSpace(filename) == "" {
		return errors.InvalidInput(op, nil, "File name is required")
	}
	if size <= 0 {
		return errors.InvalidInput(op, nil, "File is empty")
	}
	if v.upload.MaxFileSize > 0 && size > v.upload.MaxFileSize {
		return errors.InvalidInput(op, nil, fmt.Sprintf("File exceeds %d bytes", v.upload.MaxFileSize))
	}

	if len(v.upload.AllowedExtensions) == 0 {
		return nil
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	for _, allowed := range v.upload.AllowedExtensions {
		if ext == strings.TrimPrefix(strings.ToLower(allowed), ".") {
			return nil
		}
	}
	return errors.InvalidInput(op, nil, fmt.Sprintf("File type %q is not supported", ext))
}

// ValidateMediaURL checks a URL the front end hands back to us.
func (v *Validator) ValidateMediaURL(urlStr string) error {
	const op = "Validator.ValidateMediaURL"

	if urlStr == "" {
		return errors.InvalidInput(op, nil, "URL is required")
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return errors.InvalidInput(op, err, "Invalid URL format")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return errors.InvalidInput(op, nil, "URL must use HTTP or HTTPS")
	}
	if parsedURL.Hostname() == "" {
		return errors.InvalidInput(op, nil, "URL must have a host")
	}
	return nil
}

// KeyFromURL returns the object key a public media URL points at.
func KeyFromURL(urlStr string) string {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	key := path.Base(parsedURL.Path)
	if key == "/" || key == "." {
		return ""
	}
	return key
}

// RequestValidationOpts holds options for request validation
type RequestValidationOpts struct {
	MaxContentLength int64
	RequireJSON      bool
}

func (v *Validator) ValidateRequest(r *http.Request, opts RequestValidationOpts) error {
	const op = "Validator.ValidateRequest"

	if opts.RequireJSON {
		if contentType := r.Header.Get("Content-Type"); !strings.Contains(contentType, "application/json") {
			return errors.InvalidInput(op, nil, "Content-Type must be application/json")
		}
	}

	if opts.MaxContentLength > 0 && r.ContentLength > opts.MaxContentLength {
		return errors.InvalidInput(op, nil, "Request body too large")
	}

	return nil
}
