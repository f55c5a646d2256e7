package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// tomlConfig mirrors the flat key/value configuration contract (§6) as a
// TOML document: a table of scalar values plus nested tables for
// filegroups.<name> and headers.<group>.<key>, flattened into the
// map[string]string the engine expects.
type tomlConfig struct {
	PositionFile     string            `toml:"positionFile"`
	FileGroups       map[string]string `toml:"filegroups"`
	Headers          map[string]map[string]string `toml:"headers"`
	FileHeader       *bool             `toml:"fileHeader"`
	FileHeaderKey    string            `toml:"fileHeaderKey"`
	ByteOffsetHeader *bool             `toml:"byteOffsetHeader"`
	BatchSize        int               `toml:"batchSize"`
	BackoffWithoutNL *bool             `toml:"backoffWithoutNL"`
	IdleTimeout      int               `toml:"idleTimeout"`
	WritePosInterval int               `toml:"writePosInterval"`
	SkipToEnd        *bool             `toml:"skipToEnd"`
	Multiline        *multilineToml    `toml:"multiline"`
}

type multilineToml struct {
	Pattern        string `toml:"pattern"`
	Belong         string `toml:"belong"`
	Matched        *bool  `toml:"matched"`
	MaxBytes       int    `toml:"maxBytes"`
	MaxLines       int    `toml:"maxLines"`
	EventTimeoutSecs int  `toml:"eventTimeoutSecs"`
}

// loadConfig reads a TOML file and flattens it into the engine's flat
// key/value contract.
func loadConfig(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tc tomlConfig
	if err := toml.Unmarshal(raw, &tc); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}

	flat := make(map[string]string)
	flat["positionFile"] = tc.PositionFile

	var names string
	for name, pattern := range tc.FileGroups {
		if names != "" {
			names += " "
		}
		names += name
		flat["filegroups."+name] = pattern
	}
	flat["filegroups"] = names

	for group, kv := range tc.Headers {
		for k, v := range kv {
			flat["headers."+group+"."+k] = v
		}
	}

	if tc.FileHeader != nil {
		flat["fileHeader"] = boolString(*tc.FileHeader)
	}
	if tc.FileHeaderKey != "" {
		flat["fileHeaderKey"] = tc.FileHeaderKey
	}
	if tc.ByteOffsetHeader != nil {
		flat["byteOffsetHeader"] = boolString(*tc.ByteOffsetHeader)
	}
	if tc.BatchSize != 0 {
		flat["batchSize"] = fmt.Sprintf("%d", tc.BatchSize)
	}
	if tc.BackoffWithoutNL != nil {
		flat["backoffWithoutNL"] = boolString(*tc.BackoffWithoutNL)
	}
	if tc.IdleTimeout != 0 {
		flat["idleTimeout"] = fmt.Sprintf("%d", tc.IdleTimeout)
	}
	if tc.WritePosInterval != 0 {
		flat["writePosInterval"] = fmt.Sprintf("%d", tc.WritePosInterval)
	}
	if tc.SkipToEnd != nil {
		flat["skipToEnd"] = boolString(*tc.SkipToEnd)
	}
	if tc.Multiline != nil {
		flat["multiline"] = "true"
		flat["multilinePattern"] = tc.Multiline.Pattern
		if tc.Multiline.Belong != "" {
			flat["multilinePatternBelong"] = tc.Multiline.Belong
		}
		if tc.Multiline.Matched != nil {
			flat["multilinePatternMatched"] = boolString(*tc.Multiline.Matched)
		}
		if tc.Multiline.MaxBytes != 0 {
			flat["multilineMaxBytes"] = fmt.Sprintf("%d", tc.Multiline.MaxBytes)
		}
		if tc.Multiline.MaxLines != 0 {
			flat["multilineMaxLines"] = fmt.Sprintf("%d", tc.Multiline.MaxLines)
		}
		if tc.Multiline.EventTimeoutSecs != 0 {
			flat["multilineEventTimeoutSecs"] = fmt.Sprintf("%d", tc.Multiline.EventTimeoutSecs)
		}
	}

	return flat, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// configWatcher reports whether a config file has changed since it was last
// checked, backed by fsnotify watching the file's parent directory (editors
// commonly replace a file via rename-into-place, which a direct watch on
// the file itself would miss).
type configWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	changed atomic.Bool
}

func watchConfig(path string, logger *slog.Logger) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	cw := &configWatcher{watcher: w, path: path}
	go func() {
		base := filepath.Base(path)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == base {
					cw.changed.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return cw, nil
}

// Changed reports and clears whether the config file changed since the last
// call.
func (cw *configWatcher) Changed() bool {
	return cw.changed.Swap(false)
}

func (cw *configWatcher) Close() error {
	return cw.watcher.Close()
}
