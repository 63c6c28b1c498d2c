package deploy

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"
	"github.com/alecthomas/types/optional"

	"github.com/block/shipit"
	"github.com/block/shipit/internal/apitest"
	"github.com/block/shipit/internal/archive"
	"github.com/block/shipit/internal/client"
	"github.com/block/shipit/internal/hashes"
	"github.com/block/shipit/internal/log"
	"github.com/block/shipit/internal/sha1"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func setup(t *testing.T, dir string) (context.Context, *apitest.Server, Options) {
	t.Helper()
	server := apitest.New(t)
	options := Options{
		Path:   dir,
		Token:  server.Token,
		APIURL: server.URL,
		Retry:  client.RetryPolicy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
	return log.ContextWithNewDefaultLogger(context.Background()), server, options
}

func collect(ctx context.Context, t *testing.T, options Options, meta Metadata) []Event {
	t.Helper()
	deployment, err := New(options, meta)
	assert.NoError(t, err)
	var events []Event
	for event := range deployment.Events(ctx) {
		events = append(events, event)
	}
	return events
}

func types(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, event := range events {
		out = append(out, event.Type())
	}
	return out
}

func TestDeployDeduplicatesContent(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello", "b": "hello", "c": "world"})
	ctx, server, options := setup(t, dir)

	events := collect(ctx, t, options, Metadata{Name: "site"})
	assert.Equal(t, []EventType{
		EventHashesCalculated,
		EventFileCount,
		EventFileUploaded,
		EventFileUploaded,
		EventCreated,
	}, types(events))

	hashed := events[0].(HashesCalculated)
	assert.Equal(t, map[sha1.SHA1]hashes.Summary{
		sha1.Sum([]byte("hello")): {Names: []string{"a", "b"}, Size: 5, Mode: 0o644},
		sha1.Sum([]byte("world")): {Names: []string{"c"}, Size: 5, Mode: 0o644},
	}, hashed.Files)
	assert.Equal(t, FileCount{Total: 2, Missing: 2, MissingBytes: 10}, events[1].(FileCount))

	created := events[4].(Created)
	assert.Equal(t, "dpl_1", created.Deployment.ID)
	assert.Equal(t, "site", created.Deployment.Name)
	assert.Equal(t, "QUEUED", created.Deployment.ReadyState)
	assert.NotZero(t, created.Deployment.Raw)

	assert.Equal(t, 2, len(server.Uploads()))
	creates := server.Creates()
	assert.Equal(t, 1, len(creates))
	assert.Equal(t, PlatformVersion, creates[0].Version)
	assert.Equal(t, []string{"a", "b"}, creates[0].Files[sha1.Sum([]byte("hello")).String()].Names)
	assert.Equal(t, "", creates[0].TeamID)
}

func TestDeployWithNothingMissing(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello", "b": "world"})
	ctx, server, options := setup(t, dir)
	server.Hold([]byte("hello"), []byte("world"))

	events := collect(ctx, t, options, Metadata{Name: "site"})
	assert.Equal(t, []EventType{EventHashesCalculated, EventFileCount, EventCreated}, types(events))
	assert.Equal(t, FileCount{Total: 2, Missing: 0}, events[1].(FileCount))
	assert.Equal(t, 0, len(server.Uploads()))
}

func TestDeployArchives(t *testing.T) {
	tests := []struct {
		format archive.Format
		name   string
	}{
		{archive.Zip, ".shipit/source.zip"},
		{archive.Tgz, ".shipit/source.tgz"},
	}
	for _, test := range tests {
		t.Run(test.format.String(), func(t *testing.T) {
			dir := writeFiles(t, map[string]string{"a": "hello", "b": "hello", "sub/c": "world"})
			ctx, server, options := setup(t, dir)
			options.Archive = test.format

			events := collect(ctx, t, options, Metadata{Name: "site"})
			assert.Equal(t, []EventType{EventHashesCalculated, EventFileCount, EventFileUploaded, EventCreated}, types(events))
			hashed := events[0].(HashesCalculated)
			assert.Equal(t, 1, len(hashed.Files))
			for _, summary := range hashed.Files {
				assert.Equal(t, []string{test.name}, summary.Names)
			}
			assert.Equal(t, 1, len(server.Uploads()))
		})
	}
}

func TestDeployEmptyDirectoryWarns(t *testing.T) {
	dir := t.TempDir()
	ctx, server, options := setup(t, dir)

	events := collect(ctx, t, options, Metadata{Name: "empty"})
	assert.Equal(t, []EventType{EventWarning, EventHashesCalculated, EventFileCount, EventCreated}, types(events))
	assert.Equal(t, Warning{Message: NoFilesWarning}, events[0].(Warning))
	assert.Equal(t, 1, len(server.Creates()))
}

func TestDeployIgnoresFiles(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"index.html":        "<html>",
		"node_modules/x.js": "x",
		".git/HEAD":         "ref",
		".shipitignore":     "*.log\n",
		"debug.log":         "noise",
	})
	ctx, _, options := setup(t, dir)

	events := collect(ctx, t, options, Metadata{Name: "site"})
	hashed := events[0].(HashesCalculated)
	assert.Equal(t, map[sha1.SHA1]hashes.Summary{
		sha1.Sum([]byte("<html>")): {Names: []string{"index.html"}, Size: 6, Mode: 0o644},
	}, hashed.Files)
}

func TestDeployExplicitPaths(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a/one": "1", "b/two": "2", "c/three": "3"})
	ctx, server, options := setup(t, dir)
	options.Path = ""
	options.Paths = []string{filepath.Join(dir, "a/one"), filepath.Join(dir, "b/two")}

	events := collect(ctx, t, options, Metadata{Name: "site"})
	assert.Equal(t, EventCreated, events[len(events)-1].Type())
	creates := server.Creates()
	assert.Equal(t, 1, len(creates))
	assert.Equal(t, 2, len(creates[0].Files))
	assert.Equal(t, []string{"a/one"}, creates[0].Files[sha1.Sum([]byte("1")).String()].Names)
}

func TestDeployCreateFailure(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	ctx, server, options := setup(t, dir)
	server.FailCreate(http.StatusBadRequest, "bad_name", 1)

	events := collect(ctx, t, options, Metadata{Name: "site"})
	assert.Equal(t, []EventType{EventHashesCalculated, EventFileCount, EventFileUploaded, EventError}, types(events))
	var serviceErr *client.ServiceError
	assert.True(t, errors.As(events[3].(Error).Err, &serviceErr))
	assert.Equal(t, "bad_name", serviceErr.Code)
	assert.Equal(t, http.StatusBadRequest, serviceErr.Status)
}

func TestDeployRetriesTransientCreateFailure(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	ctx, server, options := setup(t, dir)
	server.FailCreate(http.StatusServiceUnavailable, "unavailable", 2)

	events := collect(ctx, t, options, Metadata{Name: "site"})
	assert.Equal(t, EventCreated, events[len(events)-1].Type())
	assert.Equal(t, 1, len(server.Creates()))
}

func TestDeployUploadFailure(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	ctx, server, options := setup(t, dir)
	server.FailUpload(sha1.Sum([]byte("hello")), http.StatusInternalServerError, 10)

	events := collect(ctx, t, options, Metadata{Name: "site"})
	assert.Equal(t, []EventType{EventHashesCalculated, EventFileCount, EventError}, types(events))
	assert.Equal(t, 0, len(server.Creates()))
}

func TestDeployTeamScoped(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	ctx, server, options := setup(t, dir)
	options.TeamID = optional.Some("team_1")

	events := collect(ctx, t, options, Metadata{Name: "site", Project: "web", Meta: map[string]string{"commit": "abc"}})
	assert.Equal(t, EventCreated, events[len(events)-1].Type())
	creates := server.Creates()
	assert.Equal(t, "team_1", creates[0].TeamID)
	assert.Equal(t, "web", creates[0].Project)
	assert.Equal(t, map[string]string{"commit": "abc"}, creates[0].Meta)
}

func TestDeployBadToken(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	ctx, _, options := setup(t, dir)
	options.Token = "wrong"

	events := collect(ctx, t, options, Metadata{Name: "site"})
	assert.Equal(t, []EventType{EventHashesCalculated, EventError}, types(events))
	var serviceErr *client.ServiceError
	assert.True(t, errors.As(events[1].(Error).Err, &serviceErr))
	assert.Equal(t, http.StatusForbidden, serviceErr.Status)
}

func TestEventsIsSingleUse(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	ctx, _, options := setup(t, dir)
	deployment, err := New(options, Metadata{Name: "site"})
	assert.NoError(t, err)
	for range deployment.Events(ctx) {
	}
	var events []Event
	for event := range deployment.Events(ctx) {
		events = append(events, event)
	}
	assert.Equal(t, 1, len(events))
	assert.IsError(t, events[0].(Error).Err, ErrAlreadyStarted)
}

func TestStoppingEarlySkipsUploadsAndCreate(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello", "b": "world"})
	ctx, server, options := setup(t, dir)
	deployment, err := New(options, Metadata{Name: "site"})
	assert.NoError(t, err)
	var last Event
	for event := range deployment.Events(ctx) {
		last = event
		if event.Type() == EventFileCount {
			break
		}
	}
	assert.Equal(t, EventFileCount, last.Type())
	assert.Equal(t, 0, len(server.Uploads()))
	assert.Equal(t, 0, len(server.Creates()))
}

func TestStoppingDuringUploadSkipsCreate(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"})
	ctx, server, options := setup(t, dir)
	options.Concurrency = 1
	server.SlowUploads(20 * time.Millisecond)
	deployment, err := New(options, Metadata{Name: "site"})
	assert.NoError(t, err)
	for event := range deployment.Events(ctx) {
		if event.Type() == EventFileUploaded {
			break
		}
	}
	assert.True(t, len(server.Uploads()) < 4)
	assert.Equal(t, 0, len(server.Creates()))
}

func TestRun(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	ctx, _, options := setup(t, dir)

	descriptor, events, err := Run(ctx, options, Metadata{Name: "site"})
	assert.NoError(t, err)
	assert.Equal(t, "dpl_1", descriptor.ID)
	assert.Equal(t, 4, len(events))

	options.Token = ""
	_, _, err = Run(ctx, options, Metadata{Name: "site"})
	assert.IsError(t, err, ErrMissingToken)
}

func TestValidation(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	valid := Options{Path: dir, Token: "token", APIURL: "https://api.example.com"}
	tests := []struct {
		name   string
		modify func(*Options)
		err    error
	}{
		{"MissingPath", func(o *Options) { o.Path = "" }, ErrMissingPath},
		{"MissingToken", func(o *Options) { o.Token = "" }, ErrMissingToken},
		{"MissingAPIURL", func(o *Options) { o.APIURL = "" }, ErrMissingAPIURL},
		{"RelativePath", func(o *Options) { o.Path = "relative/dir" }, ErrInvalidPath},
		{"RelativePaths", func(o *Options) { o.Path = ""; o.Paths = []string{"a"} }, ErrInvalidPath},
		{"BothPathAndPaths", func(o *Options) { o.Paths = []string{filepath.Join(dir, "a")} }, ErrInvalidPath},
		{"Nonexistent", func(o *Options) { o.Path = filepath.Join(dir, "missing") }, ErrInvalidPath},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			options := valid
			test.modify(&options)
			_, err := New(options, Metadata{Name: "site"})
			assert.IsError(t, err, test.err)
			var validation *ValidationError
			assert.True(t, errors.As(err, &validation))
		})
	}

	deployment, err := New(valid, Metadata{Name: "site"})
	assert.NoError(t, err)
	assert.NotZero(t, deployment.ID())
}

func TestDeploySendsDefaultUserAgent(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	ctx, server, options := setup(t, dir)
	assert.Equal(t, "", options.UserAgent)

	_, _, err := Run(ctx, options, Metadata{Name: "site"})
	assert.NoError(t, err)
	agents := server.UserAgents()
	assert.NotZero(t, len(agents))
	for _, agent := range agents {
		assert.Equal(t, shipit.UserAgent(), agent)
	}
}

func TestDeployLocalErrorIsOnlyEvent(t *testing.T) {
	tests := []struct {
		name    string
		archive archive.Format
		check   func(t *testing.T, err error)
	}{
		{"Read", archive.None, func(t *testing.T, err error) {
			var readErr *hashes.ReadError
			assert.True(t, errors.As(err, &readErr))
		}},
		{"Archive", archive.Zip, func(t *testing.T, err error) {
			var archiveErr *archive.ArchiveError
			assert.True(t, errors.As(err, &archiveErr))
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dir := writeFiles(t, map[string]string{"a": "hello", "sub/b": "world"})
			ctx, server, options := setup(t, dir)
			options.Path = ""
			options.Paths = []string{filepath.Join(dir, "a"), filepath.Join(dir, "sub")}
			options.Archive = test.archive

			events := collect(ctx, t, options, Metadata{Name: "site"})
			assert.Equal(t, []EventType{EventError}, types(events))
			test.check(t, events[0].(Error).Err)
			assert.Equal(t, 0, server.Negotiations())
			assert.Equal(t, 0, len(server.Creates()))
		})
	}
}

func TestRunDoesNotReportStopAfterCreated(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	_, _, options := setup(t, dir)
	w := &strings.Builder{}
	ctx := log.ContextWithLogger(context.Background(), log.Configure(w, log.Config{Level: log.Debug}))

	_, _, err := Run(ctx, options, Metadata{Name: "site"})
	assert.NoError(t, err)
	assert.Contains(t, w.String(), "Created deployment dpl_1")
	assert.NotContains(t, w.String(), "Consumer stopped")
}

func TestEventsWithoutLogger(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a": "hello"})
	_, _, options := setup(t, dir)

	descriptor, _, err := Run(context.Background(), options, Metadata{Name: "site"})
	assert.NoError(t, err)
	assert.Equal(t, "dpl_1", descriptor.ID)
}
