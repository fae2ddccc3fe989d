package main

import (
	"encoding/json"
	"fmt"

	"go.yaml.in/yaml/v4"
)

func (report *BenchmarkReport) Json() (string, error) {
	return marshalJSON(report)
}

func (report *BenchmarkReport) Yaml() (string, error) {
	return marshalYAML(report)
}

func (report *EvalReport) Json() (string, error) {
	return marshalJSON(report)
}

func (report *EvalReport) Yaml() (string, error) {
	return marshalYAML(report)
}

func marshalJSON(v interface{}) (string, error) {
	prettyJSON, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "", fmt.Errorf("error marshalling JSON: %w", err)
	}
	return string(prettyJSON), nil
}

func marshalYAML(v interface{}) (string, error) {
	yamlData, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("error marshalling yaml: %w", err)
	}
	return string(yamlData), nil
}
