// Package upload transfers content-addressed files that the API does not yet hold.
package upload

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/alecthomas/atomic"
	"github.com/alecthomas/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/block/shipit/internal/client"
	"github.com/block/shipit/internal/hashes"
	"github.com/block/shipit/internal/log"
	"github.com/block/shipit/internal/sha1"
)

const (
	MissingPath = "/v2/files/missing"
	FilesPath   = "/v2/files"

	DigestHeader = "x-deploy-digest"
	SizeHeader   = "x-deploy-size"

	DefaultConcurrency = 8
)

// UploadError identifies content that could not be uploaded and every file it
// would have been deployed as.
type UploadError struct {
	Digest sha1.SHA1
	Names  []string
	Err    error
}

func (u *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s (%s): %s", u.Digest, strings.Join(u.Names, ", "), u.Err)
}
func (u *UploadError) Unwrap() error { return u.Err }

// Uploaded is sent for each file that is confirmed present on the API.
type Uploaded struct {
	Digest sha1.SHA1
	Names  []string
	Size   int64
}

type missingFile struct {
	SHA  sha1.SHA1 `json:"sha"`
	Size int64     `json:"size"`
}

type missingRequest struct {
	Files []missingFile `json:"files"`
}

type missingResponse struct {
	Missing []sha1.SHA1 `json:"missing"`
}

// Coordinator negotiates and uploads missing content.
type Coordinator struct {
	client      *client.Client
	concurrency int
}

// New creates a Coordinator that uploads at most concurrency files at once.
func New(client *client.Client, concurrency int) *Coordinator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Coordinator{client: client, concurrency: concurrency}
}

// Negotiate declares every digest to the API and returns the ones it is missing.
func (c *Coordinator) Negotiate(ctx context.Context, files hashes.Files) ([]sha1.SHA1, error) {
	return c.missing(ctx, files, files.Digests())
}

func (c *Coordinator) missing(ctx context.Context, files hashes.Files, digests []sha1.SHA1) ([]sha1.SHA1, error) {
	req := missingRequest{Files: make([]missingFile, 0, len(digests))}
	for _, digest := range digests {
		req.Files = append(req.Files, missingFile{SHA: digest, Size: files[digest].Size})
	}
	resp, err := client.Fetch[missingResponse](ctx, c.client, http.MethodPost, MissingPath, req, client.WithCurrentTeam())
	if err != nil {
		return nil, errors.Wrap(err, "failed to negotiate missing files")
	}
	for _, digest := range resp.Missing {
		if _, ok := files[digest]; !ok {
			return nil, errors.Errorf("API requested unknown digest %s", digest)
		}
	}
	return resp.Missing, nil
}

// Upload sends each missing digest to the API.
//
// Uploads run concurrently, bounded by the coordinator's concurrency. A failed
// upload does not interrupt uploads already in flight, but no new uploads are
// started and the first failure is returned once in-flight uploads complete.
// Closing stop has the same effect without an error.
//
// One Uploaded is sent to progress for each upload that completes, in
// completion order. Upload never closes progress.
func (c *Coordinator) Upload(ctx context.Context, files hashes.Files, missing []sha1.SHA1, stop <-chan struct{}, progress chan<- Uploaded) error {
	logger := log.FromContext(ctx)
	pending := mapset.NewThreadUnsafeSet[sha1.SHA1]()
	queue := make([]sha1.SHA1, 0, len(missing))
	for _, digest := range missing {
		if _, ok := files[digest]; !ok {
			return errors.Errorf("no local content for digest %s", digest)
		}
		if pending.Add(digest) {
			queue = append(queue, digest)
		}
	}
	logger.Debugf("Uploading %d/%d files", len(queue), len(files))

	var failed atomic.Value[bool]
	stopped := func() bool {
		select {
		case <-stop:
			return true
		default:
			return failed.Load()
		}
	}
	wg := errgroup.Group{}
	wg.SetLimit(c.concurrency)
	for _, digest := range queue {
		if stopped() {
			break
		}
		entry := files[digest]
		wg.Go(func() error {
			if stopped() {
				return nil
			}
			if err := c.uploadOne(ctx, files, entry); err != nil {
				failed.Store(true)
				return err
			}
			select {
			case progress <- Uploaded{Digest: entry.Digest, Names: slices.Clone(entry.Names), Size: entry.Size}:
			case <-stop:
			case <-ctx.Done():
			}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}
	return errors.WithStack(ctx.Err())
}

func (c *Coordinator) uploadOne(ctx context.Context, files hashes.Files, entry *hashes.FileEntry) error {
	logger := log.FromContext(ctx)
	resp, err := c.client.Request(ctx, http.MethodPost, FilesPath, entry.Data,
		client.WithRawBody(),
		client.WithContentLength(entry.Size),
		client.WithHeader("Content-Type", "application/octet-stream"),
		client.WithHeader(DigestHeader, entry.Digest.String()),
		client.WithHeader(SizeHeader, strconv.FormatInt(entry.Size, 10)),
		client.WithCurrentTeam(),
	)
	if err == nil {
		_ = resp.Body.Close()
		logger.Tracef("Uploaded %s as %s", entry.Digest, strings.Join(entry.Names, ", "))
		return nil
	}
	if ctx.Err() != nil {
		return &UploadError{Digest: entry.Digest, Names: slices.Clone(entry.Names), Err: err}
	}
	// Another deployment may have uploaded the same content concurrently, so
	// check whether it is still missing before giving up.
	stillMissing, diffErr := c.missing(ctx, files, []sha1.SHA1{entry.Digest})
	if diffErr != nil {
		return &UploadError{Digest: entry.Digest, Names: slices.Clone(entry.Names), Err: errors.Join(err, diffErr)}
	}
	if slices.Contains(stillMissing, entry.Digest) {
		return &UploadError{Digest: entry.Digest, Names: slices.Clone(entry.Names), Err: err}
	}
	logger.Debugf("Upload of %s failed but it is no longer missing: %s", entry.Digest, err)
	return nil
}
