package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// ScriptRequest describes the post-deployment script to run.
type ScriptRequest struct {
	Type       api.ScriptType
	Inline     string
	Path       string
	Linux      bool
	AppOffline bool
}

// Script is a resolved script file. Created scripts were written from inline
// text and belong to the caller that resolved them.
type Script struct {
	FilePath string
	Created  bool
}

func scriptExt(linux bool) string {
	if linux {
		return ".sh"
	}
	return ".cmd"
}

// ResolveScript validates or materializes the script described by req.
// Inline scripts are written into tempDir.
func ResolveScript(req ScriptRequest, tempDir string) (Script, error) {
	if req.Type == api.ScriptInline {
		p, err := writeTemp(tempDir, "kuduPostDeploymentScript_local_*"+scriptExt(req.Linux), req.Inline, 0o755)
		if err != nil {
			return Script{}, fmt.Errorf("write inline script: %w", err)
		}
		log.Debug().Str("file", p).Msg("inline script written")
		return Script{FilePath: p, Created: true}, nil
	}

	if _, err := os.Stat(req.Path); err != nil {
		return Script{}, &ConfigurationError{Path: req.Path, Reason: "script file not found"}
	}
	ext := filepath.Ext(req.Path)
	valid := ext == ".bat" || ext == ".cmd"
	if req.Linux {
		valid = ext == ".sh"
	}
	if !valid {
		return Script{}, &ConfigurationError{Path: req.Path, Reason: "invalid script file"}
	}
	log.Debug().Str("file", req.Path).Msg("post-deployment script resolved")
	return Script{FilePath: req.Path}, nil
}

// writeTemp writes content to a new uniquely named file in dir.
func writeTemp(dir, pattern, content string, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	_, werr := f.WriteString(content)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(f.Name(), perm)
	}
	if werr != nil {
		os.Remove(f.Name())
		return "", werr
	}
	return f.Name(), nil
}
