// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config loads fuzzer configuration files.
// Both JSON (with # comment lines) and YAML are accepted; unknown fields are rejected.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"

	"github.com/edgefuzz/edgefuzz/pkg/osutil"
	"sigs.k8s.io/yaml"
)

func LoadFile(filename string, cfg interface{}) error {
	if filename == "" {
		return fmt.Errorf("no config file specified")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch filepath.Ext(filename) {
	case ".yaml", ".yml":
		return LoadYAML(data, cfg)
	}
	return LoadData(data, cfg)
}

var commentRe = regexp.MustCompile(`(^|\n)\s*#[^\n]*`)

func LoadData(data []byte, cfg interface{}) error {
	if err := checkType(cfg); err != nil {
		return err
	}
	// Remove comment lines starting with #.
	data = commentRe.ReplaceAll(data, nil)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadYAML converts YAML to JSON first, so the same strict field checks apply.
func LoadYAML(data []byte, cfg interface{}) error {
	if err := checkType(cfg); err != nil {
		return err
	}
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return LoadData(jsonData, cfg)
}

func SaveFile(filename string, cfg interface{}) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(filename, data)
}

func checkType(cfg interface{}) error {
	typ := reflect.TypeOf(cfg)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config type is not pointer to struct")
	}
	return nil
}
