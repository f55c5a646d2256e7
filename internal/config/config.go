// Package config parses the flat string key/value configuration contract
// (§6 "Configuration keys") into a typed Config, the way
// ingester/tail/factory.go's parseConfig turns a flat params map into a
// typed config value: validated once at construction, defaults applied,
// errors wrapped with the offending key.
package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"tailsource/internal/registry"
	"tailsource/internal/tailfile"
)

// DefaultBatchSize is used when batchSize is unset.
const DefaultBatchSize = 100

// DefaultFileHeaderKey is used when fileHeaderKey is unset but fileHeader
// is true.
const DefaultFileHeaderKey = "file"

// FileGroup is one parsed `filegroups.<name>` entry plus its header
// overlay from `headers.<name>.<key>`.
type FileGroup struct {
	Name    string
	Pattern string
	Headers map[string]string
}

// Config is the fully parsed, validated engine configuration.
type Config struct {
	PositionFile     string
	FileGroups       []FileGroup
	FileHeader       bool
	FileHeaderKey    string
	ByteOffsetHeader bool
	BatchSize        int
	BackoffWithoutNL bool
	IdleTimeout      time.Duration
	WritePosInterval time.Duration
	SkipToEnd        bool
	Multiline        *tailfile.MultilineConfig
}

// Parse validates and converts a flat key/value map into a Config. Missing
// positionFile, empty filegroups, or a malformed multiline pattern are
// configuration errors surfaced here, preventing start (§7).
func Parse(flat map[string]string) (*Config, error) {
	cfg := &Config{
		BatchSize:     DefaultBatchSize,
		FileHeaderKey: DefaultFileHeaderKey,
	}

	cfg.PositionFile = flat["positionFile"]
	if cfg.PositionFile == "" {
		return nil, fmt.Errorf("config: positionFile is required")
	}

	names := strings.Fields(flat["filegroups"])
	if len(names) == 0 {
		return nil, fmt.Errorf("config: filegroups must name at least one group")
	}
	sort.Strings(names)
	for _, name := range names {
		pattern := flat["filegroups."+name]
		if pattern == "" {
			return nil, fmt.Errorf("config: filegroups.%s: pattern required", name)
		}
		cfg.FileGroups = append(cfg.FileGroups, FileGroup{
			Name:    name,
			Pattern: pattern,
			Headers: headersFor(flat, name),
		})
	}

	if v := flat["fileHeader"]; v != "" {
		b, err := parseBool("fileHeader", v)
		if err != nil {
			return nil, err
		}
		cfg.FileHeader = b
	}
	if v := flat["fileHeaderKey"]; v != "" {
		cfg.FileHeaderKey = v
	}
	if v := flat["byteOffsetHeader"]; v != "" {
		b, err := parseBool("byteOffsetHeader", v)
		if err != nil {
			return nil, err
		}
		cfg.ByteOffsetHeader = b
	}
	if v := flat["batchSize"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: batchSize must be a positive integer, got %q", v)
		}
		cfg.BatchSize = n
	}
	if v := flat["backoffWithoutNL"]; v != "" {
		b, err := parseBool("backoffWithoutNL", v)
		if err != nil {
			return nil, err
		}
		cfg.BackoffWithoutNL = b
	}
	if v := flat["idleTimeout"]; v != "" {
		d, err := parseSeconds("idleTimeout", v)
		if err != nil {
			return nil, err
		}
		cfg.IdleTimeout = d
	}
	if v := flat["writePosInterval"]; v != "" {
		d, err := parseSeconds("writePosInterval", v)
		if err != nil {
			return nil, err
		}
		cfg.WritePosInterval = d
	}
	if v := flat["skipToEnd"]; v != "" {
		b, err := parseBool("skipToEnd", v)
		if err != nil {
			return nil, err
		}
		cfg.SkipToEnd = b
	}

	ml, err := parseMultiline(flat)
	if err != nil {
		return nil, err
	}
	cfg.Multiline = ml

	return cfg, nil
}

// RegistryGroups projects the parsed FileGroups into the shape
// internal/registry needs, keyed by name.
func (c *Config) RegistryGroups() map[string]registry.Group {
	out := make(map[string]registry.Group, len(c.FileGroups))
	for _, g := range c.FileGroups {
		out[g.Name] = registry.Group{Name: g.Name, Headers: g.Headers}
	}
	return out
}

func headersFor(flat map[string]string, group string) map[string]string {
	prefix := "headers." + group + "."
	var headers map[string]string
	for k, v := range flat {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[strings.TrimPrefix(k, prefix)] = v
	}
	return headers
}

func parseBool(key, v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

func parseSeconds(key, v string) (time.Duration, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: %s: must be a non-negative integer number of seconds, got %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func parseMultiline(flat map[string]string) (*tailfile.MultilineConfig, error) {
	enabled, err := parseOptionalBool("multiline", flat["multiline"])
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}

	patternStr := flat["multilinePattern"]
	if patternStr == "" {
		return nil, fmt.Errorf("config: multilinePattern is required when multiline is enabled")
	}
	pattern, err := regexp.Compile(patternStr)
	if err != nil {
		return nil, fmt.Errorf("config: multilinePattern: %w", err)
	}

	belong := tailfile.BelongPrevious
	if v := flat["multilinePatternBelong"]; v != "" {
		switch v {
		case string(tailfile.BelongPrevious), string(tailfile.BelongNext):
			belong = tailfile.Belong(v)
		default:
			return nil, fmt.Errorf("config: multilinePatternBelong: must be %q or %q, got %q", tailfile.BelongPrevious, tailfile.BelongNext, v)
		}
	}

	matched := true
	if v := flat["multilinePatternMatched"]; v != "" {
		matched, err = parseBool("multilinePatternMatched", v)
		if err != nil {
			return nil, err
		}
	}

	var timeout time.Duration
	if v := flat["multilineEventTimeoutSecs"]; v != "" {
		timeout, err = parseSeconds("multilineEventTimeoutSecs", v)
		if err != nil {
			return nil, err
		}
	}

	var maxBytes int
	if v := flat["multilineMaxBytes"]; v != "" {
		maxBytes, err = strconv.Atoi(v)
		if err != nil || maxBytes < 0 {
			return nil, fmt.Errorf("config: multilineMaxBytes: invalid value %q", v)
		}
	}

	var maxLines int
	if v := flat["multilineMaxLines"]; v != "" {
		maxLines, err = strconv.Atoi(v)
		if err != nil || maxLines < 0 {
			return nil, fmt.Errorf("config: multilineMaxLines: invalid value %q", v)
		}
	}

	return &tailfile.MultilineConfig{
		Pattern:  pattern,
		Belong:   belong,
		Matched:  matched,
		MaxBytes: maxBytes,
		MaxLines: maxLines,
		Timeout:  timeout,
	}, nil
}

func parseOptionalBool(key, v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return parseBool(key, v)
}
