// Package checkpoint writes and reads model snapshots.
//
// Each snapshot is a directory named after the model and
// epoch, holding the model's parameters and a small
// metadata file:
//
//	<root>/<model>_epoch0005/params.json
//	<root>/<model>_epoch0005/meta.json
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	paramsFile = "params.json"
	metaFile   = "meta.json"
)

// A Snapshotter can export its parameters by name.
type Snapshotter interface {
	Snapshot() (map[string][]float64, error)
}

// Meta describes a snapshot.
type Meta struct {
	Model  string    `json:"model"`
	Epoch  int       `json:"epoch"`
	RunID  string    `json:"run_id,omitempty"`
	Params []string  `json:"params"`
	Time   time.Time `json:"time"`
}

// A Writer persists snapshots of a model.
type Writer interface {
	Write(epoch int, s Snapshotter) (string, error)
}

// DirWriter writes snapshots into directories under Dir.
type DirWriter struct {
	Dir   string
	Model string

	// Keep is the number of newest snapshots to keep.
	// Zero keeps every snapshot.
	Keep int

	// RunID is recorded in the metadata, if set.
	RunID string
}

// Write writes a snapshot for an epoch and returns its
// directory.
//
// The snapshot is assembled in a temporary directory and
// renamed into place, so readers never see a partial
// snapshot.
func (d *DirWriter) Write(epoch int, s Snapshotter) (string, error) {
	params, err := s.Snapshot()
	if err != nil {
		return "", errors.Wrap(err, "snapshot model")
	}
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", errors.Wrap(err, "create snapshot root")
	}

	name := dirName(d.Model, epoch)
	tmp, err := os.MkdirTemp(d.Dir, "."+name+"-")
	if err != nil {
		return "", errors.Wrap(err, "create snapshot directory")
	}
	defer os.RemoveAll(tmp)

	var keys []string
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	meta := &Meta{
		Model:  d.Model,
		Epoch:  epoch,
		RunID:  d.RunID,
		Params: keys,
		Time:   time.Now(),
	}
	if err := writeJSON(filepath.Join(tmp, paramsFile), params); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(tmp, metaFile), meta); err != nil {
		return "", err
	}

	final := filepath.Join(d.Dir, name)
	if err := os.RemoveAll(final); err != nil {
		return "", errors.Wrap(err, "replace old snapshot")
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", errors.Wrap(err, "move snapshot into place")
	}

	if d.Keep > 0 {
		if err := d.prune(); err != nil {
			return final, err
		}
	}
	return final, nil
}

func (d *DirWriter) prune() error {
	dirs, err := List(d.Dir, d.Model)
	if err != nil {
		return err
	}
	for len(dirs) > d.Keep {
		klog.V(1).Infof("removing old snapshot %s", dirs[0])
		if err := os.RemoveAll(dirs[0]); err != nil {
			return errors.Wrap(err, "prune snapshots")
		}
		dirs = dirs[1:]
	}
	return nil
}

// Load reads the parameters and metadata of a snapshot
// directory.
func Load(dir string) (map[string][]float64, *Meta, error) {
	var params map[string][]float64
	if err := readJSON(filepath.Join(dir, paramsFile), &params); err != nil {
		return nil, nil, err
	}
	var meta Meta
	if err := readJSON(filepath.Join(dir, metaFile), &meta); err != nil {
		return nil, nil, err
	}
	return params, &meta, nil
}

// List returns the snapshot directories of a model under
// root, oldest epoch first.
//
// A missing root is not an error.
func List(root, model string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	expr := regexp.MustCompile("^" + regexp.QuoteMeta(model) + `_epoch(\d+)$`)
	type snapshot struct {
		path  string
		epoch int
	}
	var snapshots []snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		match := expr.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		epoch, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot{filepath.Join(root, entry.Name()), epoch})
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].epoch < snapshots[j].epoch
	})
	res := make([]string, len(snapshots))
	for i, s := range snapshots {
		res[i] = s.path
	}
	return res, nil
}

func dirName(model string, epoch int) string {
	return fmt.Sprintf("%s_epoch%04d", model, epoch)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", filepath.Base(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", filepath.Base(path))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read snapshot")
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", path)
}
