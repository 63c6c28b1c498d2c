package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/types/optional"

	"github.com/block/shipit/internal/archive"
	"github.com/block/shipit/internal/client"
)

// Validation error codes, as reported by the API for the same conditions.
const (
	CodeMissingPath   = "missing_path"
	CodeMissingToken  = "token_not_provided"
	CodeMissingAPIURL = "api_url_not_provided"
	CodeInvalidPath   = "invalid_path"
)

// Sentinels for use with errors.Is.
var (
	ErrMissingPath   error = &ValidationError{Code: CodeMissingPath, Message: "Path not provided"}
	ErrMissingToken  error = &ValidationError{Code: CodeMissingToken, Message: "Options object must include a token"}
	ErrMissingAPIURL error = &ValidationError{Code: CodeMissingAPIURL, Message: "Options object must include an API URL"}
	ErrInvalidPath   error = &ValidationError{Code: CodeInvalidPath, Message: "Invalid path"}
)

// ValidationError is returned by New before any network call is made.
type ValidationError struct {
	Code    string
	Message string
}

func (v *ValidationError) Error() string { return fmt.Sprintf("%s: %s", v.Code, v.Message) }

// Is matches any ValidationError with the same code.
func (v *ValidationError) Is(target error) bool {
	other, ok := target.(*ValidationError)
	return ok && other.Code == v.Code
}

// Options configures the client side of a deployment.
type Options struct {
	// Path is a single absolute directory or file to deploy. Mutually exclusive with Paths.
	Path string
	// Paths is an explicit list of absolute file paths to deploy.
	Paths []string

	Token     string
	APIURL    string
	TeamID    optional.Option[string]
	UserAgent string

	Archive     archive.Format
	Retry       client.RetryPolicy
	Concurrency int
	// Ignore patterns in addition to the defaults and the root ignore file.
	Ignore []string
}

// Metadata describes the deployment to create.
type Metadata struct {
	Name    string            `json:"name"`
	Target  string            `json:"target,omitempty"`
	Project string            `json:"project,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func (o Options) paths() []string {
	if o.Path != "" {
		return []string{o.Path}
	}
	return o.Paths
}

// validate checks the options, returning whether Path is a directory.
func (o Options) validate() (isDirectory bool, err error) {
	if o.Path == "" && len(o.Paths) == 0 {
		return false, errors.WithStack(ErrMissingPath)
	}
	if o.Path != "" && len(o.Paths) > 0 {
		return false, &ValidationError{Code: CodeInvalidPath, Message: "Only one of Path and Paths may be provided"}
	}
	if o.Token == "" {
		return false, errors.WithStack(ErrMissingToken)
	}
	if o.APIURL == "" {
		return false, errors.WithStack(ErrMissingAPIURL)
	}
	for _, path := range o.paths() {
		if !filepath.IsAbs(path) {
			return false, &ValidationError{Code: CodeInvalidPath, Message: fmt.Sprintf("Provided path %s is not absolute", path)}
		}
	}
	if o.Path == "" {
		return false, nil
	}
	info, err := os.Lstat(o.Path)
	if err != nil {
		return false, &ValidationError{Code: CodeInvalidPath, Message: fmt.Sprintf("Provided path %s can not be read: %s", o.Path, err)}
	}
	return info.IsDir(), nil
}
