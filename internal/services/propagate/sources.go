package propagate

import (
	"errors"
	"os"
	"strings"

	"envsync/internal/envfile"
	"envsync/internal/launchenv"
)

// Collect builds the snapshot described by cfg: the process environment
// (if included), overlaid by the env file, narrowed by the filters. A
// missing env file contributes nothing.
func Collect(cfg Config) (launchenv.Snapshot, error) {
	var snap launchenv.Snapshot
	if cfg.IncludeProcess {
		snap = launchenv.Capture()
	}
	if path := strings.TrimSpace(cfg.EnvFile); path != "" {
		vars, err := envfile.Read(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return launchenv.Snapshot{}, err
		default:
			snap = snap.Merge(launchenv.NewSnapshot(vars))
		}
	}
	return snap.Filter(cfg.Only, cfg.Prefixes, cfg.Exclude), nil
}
