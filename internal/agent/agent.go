// Package agent serves the site control-plane API over a local directory so
// deployments can run against any host, including tests.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitedeploy/internal/archive"
	"github.com/3cpo-dev/sitedeploy/internal/site"
	"github.com/3cpo-dev/sitedeploy/internal/telemetry"
	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

type Server struct {
	// Root is the local directory site paths are rooted at.
	Root    string
	Version string
	// Token, when set, is required as a bearer token or basic-auth password.
	Token string
	// CommandTimeout bounds how long a command request is held open. The
	// command itself keeps running after the request answers 504.
	CommandTimeout time.Duration

	srv *http.Server
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if s.Token != "" {
		r.Use(tokenAuth(s.Token))
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/heartbeat", s.heartbeat)
		r.Get("/vfs/*", s.getVFS)
		r.Put("/vfs/*", s.putVFS)
		r.Delete("/vfs/*", s.deleteVFS)
		r.Put("/zip/*", s.extractZip)
		r.Post("/command", s.command)
		r.Get("/deployments", s.listDeployments)
		r.Put("/deployments/{id}", s.putDeployment)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
		telemetry.TimerGlobal("agent_request_duration", time.Since(start), map[string]string{
			"method": r.Method,
			"status": fmt.Sprint(status),
		})
	})
}

func tokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/heartbeat" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, basic := r.BasicAuth()
			if r.Header.Get("Authorization") != "Bearer "+token && (!basic || pass != token) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	telemetry.CounterGlobal("agent_heartbeats", 1, nil)
	writeJSON(w, http.StatusOK, HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version})
}

// resolve maps a slash path below Root to a local path. It fails for paths
// escaping Root.
func (s *Server) resolve(p string) (string, error) {
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	clean := path.Clean("/" + p)
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", err
	}
	local := filepath.Join(root, filepath.FromSlash(clean))
	if local != root && !strings.HasPrefix(local, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes root: %s", p)
	}
	return local, nil
}

func (s *Server) getVFS(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	local, err := s.resolve(rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := os.Stat(local)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "'"+rel+"' not found.")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		f, err := os.Open(local)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer f.Close()
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		return
	}
	des, err := os.ReadDir(local)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := make([]site.Entry, 0, len(des))
	for _, de := range des {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		e := site.Entry{Name: fi.Name(), Size: fi.Size(), MTime: fi.ModTime(), Path: local + string(os.PathSeparator) + fi.Name()}
		if fi.IsDir() {
			e.Mime = "inode/directory"
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) putVFS(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	local, err := s.resolve(rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.HasSuffix(rel, "/") {
		if err := os.MkdirAll(local, 0o755); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusCreated)
		return
	}
	if err := writeFile(local, r.Body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func writeFile(local string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Server) deleteVFS(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	local, err := s.resolve(rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = os.Remove(local)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "'"+rel+"' not found.")
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) extractZip(w http.ResponseWriter, r *http.Request) {
	local, err := s.resolve(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tmp, err := os.CreateTemp("", "sitedeploy-agent-*.zip")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(tmp.Name())
	_, err = io.Copy(tmp, r.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := archive.Extract(tmp.Name(), local); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	telemetry.CounterGlobal("agent_zip_extracted", 1, nil)
	w.WriteHeader(http.StatusOK)
}

// shellCommand picks the platform shell the command endpoint runs under.
func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("/bin/sh", "-c", command)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var req api.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dir, err := s.resolve(strings.ReplaceAll(req.Dir, `\`, "/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var stdout, stderr bytes.Buffer
	cmd := shellCommand(req.Command)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	telemetry.CounterGlobal("agent_commands", 1, nil)

	// The command is not bound to the request; it runs to completion even
	// when the request gives up.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := s.CommandTimeout
	if timeout <= 0 {
		timeout = 230 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err = <-done:
	case <-t.C:
		log.Warn().Str("command", req.Command).Dur("timeout", timeout).Msg("command request timed out, command keeps running")
		writeError(w, http.StatusGatewayTimeout, "request timeout: "+site.CommandEndpoint)
		return
	case <-r.Context().Done():
		return
	}

	res := api.CommandResult{Output: stdout.String(), Error: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		res.ExitCode = 1
		res.Error += err.Error()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deploymentsDir() string {
	return filepath.Join(s.Root, "site", "deployments")
}

func (s *Server) putDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || strings.ContainsAny(id, `/\`) || id == ".." {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	var rec api.HistoryRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec.ID = id
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := writeFile(filepath.Join(s.deploymentsDir(), id+".json"), bytes.NewReader(data)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	des, err := os.ReadDir(s.deploymentsDir())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type stamped struct {
		rec api.HistoryRecord
		mod time.Time
	}
	var all []stamped
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.deploymentsDir(), de.Name()))
		if err != nil {
			continue
		}
		var rec api.HistoryRecord
		if json.Unmarshal(data, &rec) != nil {
			continue
		}
		fi, _ := de.Info()
		st := stamped{rec: rec}
		if fi != nil {
			st.mod = fi.ModTime()
		}
		all = append(all, st)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].mod.After(all[j].mod) })
	out := make([]api.HistoryRecord, 0, len(all))
	for _, st := range all {
		out = append(out, st.rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 30 * time.Second}
	log.Info().Str("addr", addr).Str("root", s.Root).Msg("starting agent")
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
