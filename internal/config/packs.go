package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pack is a file of extra detection patterns dropped into packs_dir.
type Pack struct {
	Name        string                      `yaml:"name"`
	Description string                      `yaml:"description"`
	PackVersion string                      `yaml:"version"`
	Author      string                      `yaml:"author"`
	Patterns    map[string]DetectionPattern `yaml:"detection_patterns"`
}

// PackInfo is a summary of a pack for listing.
type PackInfo struct {
	Name         string
	Description  string
	Version      string
	Author       string
	Enabled      bool
	Path         string
	PatternCount int
	Err          error
}

// LoadPacks reads every .yaml file in dir. A file whose base name starts
// with "_" is listed but disabled. Patterns of enabled packs are returned
// keyed "<pack>/<pattern>" so they never replace base patterns.
func LoadPacks(dir string) (map[string]DetectionPattern, []PackInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read packs dir %s: %w", dir, err)
	}

	patterns := make(map[string]DetectionPattern)
	var infos []PackInfo

	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		baseName := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		enabled := !strings.HasPrefix(baseName, "_")

		pack, err := loadPack(path)
		if err != nil {
			infos = append(infos, PackInfo{Name: baseName, Enabled: enabled, Path: path, Err: err})
			continue
		}

		info := PackInfo{
			Name:         pack.Name,
			Description:  pack.Description,
			Version:      pack.PackVersion,
			Author:       pack.Author,
			Enabled:      enabled,
			Path:         path,
			PatternCount: len(pack.Patterns),
		}
		if info.Name == "" {
			info.Name = baseName
		}
		infos = append(infos, info)

		if !enabled {
			continue
		}
		for name, p := range pack.Patterns {
			patterns[info.Name+"/"+name] = p
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return patterns, infos, nil
}

func (c *Config) mergePacks() ([]PackInfo, error) {
	if c.PacksDir == "" {
		return nil, nil
	}
	extra, infos, err := LoadPacks(c.PacksDir)
	if err != nil {
		return nil, err
	}
	if c.DetectionPatterns == nil {
		c.DetectionPatterns = make(map[string]DetectionPattern, len(extra))
	}
	for name, p := range extra {
		if _, exists := c.DetectionPatterns[name]; !exists {
			c.DetectionPatterns[name] = p
		}
	}
	return infos, nil
}

func loadPack(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse pack %s: %w", path, err)
	}
	return &pack, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
