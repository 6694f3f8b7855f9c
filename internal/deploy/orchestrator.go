package deploy

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitedeploy/internal/core"
	"github.com/3cpo-dev/sitedeploy/internal/site"
	"github.com/3cpo-dev/sitedeploy/internal/telemetry"
	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// WebRoot is the site's web root, the default physical path.
const WebRoot = "/site/wwwroot"

const (
	offlineGrace      = 10 * time.Second
	scriptPollMinutes = 30
)

//go:embed assets/*
var assets embed.FS

// Packager compresses a directory into a zip archive and returns its path.
type Packager interface {
	CompressDirectory(srcDir, destZipPath string) (string, error)
}

// Journal keeps a local copy of recorded history.
type Journal interface {
	Append(ctx context.Context, rec api.HistoryRecord) error
}

// PackageRequest describes one package deployment.
type PackageRequest struct {
	PackagePath    string
	PhysicalPath   string
	VirtualPath    string
	TakeAppOffline bool
}

// Orchestrator sequences deployments against one site.
type Orchestrator struct {
	client   site.Client
	build    core.BuildContext
	offline  *OfflineToggle
	poller   *Poller
	runner   *CommandRunner
	packager Packager
	journal  Journal
	now      func() time.Time
	sleep    SleepFunc

	mu sync.Mutex
	id string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPackager(p Packager) Option { return func(o *Orchestrator) { o.packager = p } }

func WithJournal(j Journal) Option { return func(o *Orchestrator) { o.journal = j } }

// WithRetryTimeout sets the operator override consulted by the poller.
func WithRetryTimeout(f func() (float64, bool)) Option {
	return func(o *Orchestrator) { o.poller.Override = f }
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithSleep replaces every wait the orchestrator performs.
func WithSleep(s SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = s
		o.poller.Sleep = s
	}
}

func New(client site.Client, build core.BuildContext, opts ...Option) *Orchestrator {
	poller := NewPoller(client)
	o := &Orchestrator{
		client:  client,
		build:   build,
		offline: NewOfflineToggle(client, build.TempDir),
		poller:  poller,
		runner:  NewCommandRunner(client, poller),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DeploymentID returns the identity of this orchestrator's deployment
// attempt. It is computed on first use and never changes afterwards.
func (o *Orchestrator) DeploymentID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.id == "" {
		prefix := o.build.ReleaseID
		if prefix == "" {
			prefix = o.build.BuildID
		}
		o.id = prefix + strconv.FormatInt(o.now().UnixMilli(), 10)
	}
	return o.id
}

// EnsurePath creates dir on the site unless it already exists.
func (o *Orchestrator) EnsurePath(ctx context.Context, dir string) error {
	_, exists, err := o.client.ListDir(ctx, dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	if exists {
		return nil
	}
	if err := o.client.CreatePath(ctx, dir); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// DeployPackage extracts a package onto the site. On failure the site is
// left offline if offline mode was requested.
func (o *Orchestrator) DeployPackage(ctx context.Context, req PackageRequest) error {
	start := time.Now()
	err := o.deployPackage(ctx, req)
	telemetry.TimerGlobal("deploy_package", time.Since(start), map[string]string{"result": result(err)})
	if err != nil {
		log.Error().Err(err).Str("package", req.PackagePath).Msg("package deployment failed")
		return fmt.Errorf("package deployment failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) deployPackage(ctx context.Context, req PackageRequest) error {
	physical := req.PhysicalPath
	if physical == "" {
		physical = WebRoot
	}
	if req.TakeAppOffline {
		if err := o.offline.Set(ctx, physical, true); err != nil {
			return err
		}
		log.Debug().Dur("grace", offlineGrace).Msg("waiting for app offline to take effect")
		if err := o.sleep(ctx, offlineGrace); err != nil {
			return err
		}
	}

	pkg := req.PackagePath
	info, err := os.Stat(pkg)
	if err != nil {
		return fmt.Errorf("stat package: %w", err)
	}
	switch {
	case info.IsDir():
		if o.packager == nil {
			return fmt.Errorf("compress %s: no packager configured", pkg)
		}
		dest := filepath.Join(o.build.TempDir, "temp_web_package_"+uuid.NewString()+".zip")
		zipPath, err := o.packager.CompressDirectory(pkg, dest)
		if err != nil {
			return fmt.Errorf("compress %s: %w", pkg, err)
		}
		defer os.Remove(zipPath)
		log.Debug().Str("dir", pkg).Str("zip", zipPath).Msg("compressed package directory")
		pkg = zipPath
	case strings.HasSuffix(strings.ToLower(pkg), ".war"):
		physical = warPath(physical, pkg, req.VirtualPath)
		log.Debug().Str("path", physical).Msg("resolved WAR deployment path")
		if err := o.EnsurePath(ctx, physical); err != nil {
			return err
		}
	}

	if err := o.client.ExtractZip(ctx, pkg, physical); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(pkg), err)
	}
	if req.TakeAppOffline {
		if err := o.offline.Set(ctx, physical, false); err != nil {
			return err
		}
	}
	log.Info().Str("package", req.PackagePath).Str("path", physical).Msg("package deployed")
	return nil
}

// warPath resolves <physical>/webapps/<warBaseName>[/<virtual>].
func warPath(physical, pkg, virtual string) string {
	base := filepath.Base(pkg[:len(pkg)-len(".war")])
	p := path.Join(physical, "webapps", base)
	if virtual != "" {
		p = path.Join(p, virtual)
	}
	return p
}

// RunPostDeploymentScript uploads and runs a script in the web root and
// reports its outcome. Remote logs are cleaned up and offline mode is
// restored on every path.
func (o *Orchestrator) RunPostDeploymentScript(ctx context.Context, req ScriptRequest) (err error) {
	start := time.Now()
	id := o.DeploymentID()
	ext := scriptExt(req.Linux)
	offlineSet := false

	defer func() {
		cctx := context.WithoutCancel(ctx)
		o.deleteScriptLogs(cctx, id, ext, req.Linux)
		if offlineSet {
			if derr := o.offline.Set(cctx, WebRoot, false); derr != nil {
				log.Error().Err(derr).Msg("failed to disable app offline mode")
			}
		}
		telemetry.TimerGlobal("run_script", time.Since(start), map[string]string{"result": result(err)})
		if err != nil {
			err = fmt.Errorf("script execution failed: %w", err)
		}
	}()

	script, err := ResolveScript(req, o.build.TempDir)
	if err != nil {
		return err
	}
	if script.Created {
		defer os.Remove(script.FilePath)
	}
	if req.AppOffline {
		offlineSet = true
		if err := o.offline.Set(ctx, WebRoot, true); err != nil {
			return err
		}
	}

	if err := o.uploadAsset(ctx, "mainCmdFile"+ext, "mainCmdFile_"+id+ext); err != nil {
		return err
	}
	if err := o.client.UploadFile(ctx, WebRoot, "kuduPostDeploymentScript_"+id+ext, script.FilePath); err != nil {
		return fmt.Errorf("upload script: %w", err)
	}
	log.Info().Str("id", id).Msg("executing post-deployment script on the site")
	if err := o.runner.Run(ctx, WebRoot, driverCommand("mainCmdFile_"+id+ext, id, req.Linux), scriptPollMinutes, "script_result_"+id+".txt"); err != nil {
		return err
	}
	return o.checkScriptLogs(ctx, id)
}

func (o *Orchestrator) checkScriptLogs(ctx context.Context, id string) error {
	stdout, _, err := o.client.GetFileContent(ctx, WebRoot, "stdout_"+id+".txt")
	if err != nil {
		return fmt.Errorf("read stdout: %w", err)
	}
	stderr, _, err := o.client.GetFileContent(ctx, WebRoot, "stderr_"+id+".txt")
	if err != nil {
		return fmt.Errorf("read stderr: %w", err)
	}
	code, found, err := o.client.GetFileContent(ctx, WebRoot, "script_result_"+id+".txt")
	if err != nil {
		return fmt.Errorf("read script result: %w", err)
	}
	if !found {
		return fmt.Errorf("script_result_%s.txt: %w", id, ErrResultFileNotFound)
	}
	if stdout != "" {
		log.Info().Msg(stdout)
	}
	if stderr != "" {
		code = strings.TrimSpace(code)
		if code != "0" {
			return &ScriptRuntimeError{ReturnCode: code, Stderr: stderr}
		}
		log.Info().Msg(stderr)
	}
	return nil
}

// deleteScriptLogs removes the per-run remote files. Failures are only logged.
func (o *Orchestrator) deleteScriptLogs(ctx context.Context, id, ext string, linux bool) {
	name := "delete_log_file_" + id + ext
	if err := o.uploadAsset(ctx, "deleteLogFile"+ext, name); err != nil {
		log.Debug().Err(err).Msg("unable to delete log files")
		return
	}
	if err := o.runner.Run(ctx, WebRoot, driverCommand(name, id, linux), 0, ""); err != nil {
		log.Debug().Err(err).Msg("unable to delete log files")
	}
}

// uploadAsset writes an embedded driver script to a local temp file and
// uploads it to the web root as remoteName.
func (o *Orchestrator) uploadAsset(ctx context.Context, asset, remoteName string) error {
	content, err := assets.ReadFile("assets/" + asset)
	if err != nil {
		return fmt.Errorf("read asset %s: %w", asset, err)
	}
	local := filepath.Join(o.build.TempDir, remoteName)
	if err := os.WriteFile(local, content, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", remoteName, err)
	}
	defer os.Remove(local)
	if err := o.client.UploadFile(ctx, WebRoot, remoteName, local); err != nil {
		return fmt.Errorf("upload %s: %w", remoteName, err)
	}
	return nil
}

func driverCommand(file, id string, linux bool) string {
	if linux {
		return "sh " + file + " " + id
	}
	return file + " " + id
}

// RecordDeployment sends a history record for deployment id, or for this
// orchestrator's own identity when id is empty. Failures are logged as
// warnings and never returned.
func (o *Orchestrator) RecordDeployment(ctx context.Context, success bool, id string, extra map[string]any) {
	if id == "" {
		id = o.DeploymentID()
	}
	rec, err := NewHistoryRecord(o.build, success, id, extra)
	if err != nil {
		log.Warn().Err(err).Msg("failed to build deployment history")
		return
	}
	if err := o.client.RecordDeploymentHistory(ctx, rec); err != nil {
		telemetry.CounterGlobal("record_history", 1, map[string]string{"result": "error"})
		log.Warn().Err(err).Str("id", id).Msg("failed to update deployment history")
	} else {
		telemetry.CounterGlobal("record_history", 1, map[string]string{"result": "ok"})
		log.Info().Str("id", id).Bool("active", rec.Active).Str("status", rec.Status.String()).Msg("deployment history updated")
	}
	if o.journal != nil {
		if err := o.journal.Append(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("failed to append to local journal")
		}
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
