package main

import (
	"io/ioutil"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// volumeDescriptor is the mkfs configuration file format: a small YAML
// descriptor whose values explicit CLI flags override.
type volumeDescriptor struct {
	Name        string `yaml:"name"`
	TotalBlocks uint64 `yaml:"totalBlocks"`
}

func loadVolumeDescriptor(path string) (*volumeDescriptor, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read volume descriptor")
	}
	desc := new(volumeDescriptor)
	if err := yaml.Unmarshal(data, desc); err != nil {
		return nil, errors.Wrap(err, "parse volume descriptor")
	}
	return desc, nil
}

// mergeFlagOverrides fills any field flags left at its zero value from
// file, so an explicit flag always wins over the descriptor file and the
// file only supplies what the caller didn't ask to override.
func mergeFlagOverrides(flags *volumeDescriptor, file *volumeDescriptor) error {
	return mergo.Merge(flags, *file)
}
