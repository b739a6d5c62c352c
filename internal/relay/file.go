package relay

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads the allow-list from a YAML file of the form:
//
//	nodes:
//	  - id: relay-fra-1
//	    alias: Frankfurt
type FileSource struct {
	path string
}

type nodesFile struct {
	Nodes []Node `yaml:"nodes"`
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string {
	return "file"
}

func (s *FileSource) Nodes(_ context.Context) ([]Node, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read nodes file: %w", err)
	}
	var f nodesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse nodes file %s: %w", s.path, err)
	}
	return f.Nodes, nil
}
