// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// document mirrors the dev-server configuration object. Keys outside
// devServer.proxy are ignored.
type document struct {
	DevServer struct {
		Proxy Table `yaml:"proxy"`
	} `yaml:"devServer"`
}

// Parse decodes and validates a rule document. JSON input is accepted since
// it is a subset of YAML. A document without devServer.proxy yields an empty
// table.
func Parse(data []byte) (Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	table := doc.DevServer.Proxy
	if table == nil {
		table = Table{}
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("validate rules: %w", err)
	}
	return table, nil
}

// Load reads the rule document at path. A missing or blank file yields the
// built-in Default table.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}

	return Parse(data)
}

// Write encodes the table in the devServer.proxy document shape.
func Write(w io.Writer, t Table) error {
	var doc document
	doc.DevServer.Proxy = t

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	return enc.Close()
}
