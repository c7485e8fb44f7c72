// Package store persists the node's state as single-document JSON files.
// Every write goes to a temporary file first and is then renamed over the
// target, so a crash mid-write can never leave a partial document behind.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/hermeznetwork/tracerr"
)

// writeFileAtomic marshals v to JSON and atomically replaces path with it.
func writeFileAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return tracerr.Wrap(err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return tracerr.Wrap(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpName)
		return tracerr.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpName)
		return tracerr.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return tracerr.Wrap(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return tracerr.Wrap(err)
	}
	return nil
}

// readFile unmarshals the JSON document at path into v.  Returns
// (false, nil) when the file does not exist, and an error when the file
// exists but cannot be parsed.
func readFile(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, tracerr.Wrap(err)
	}
	return true, nil
}
