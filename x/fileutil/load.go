package fileutil

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Unmarshal reads a JSON or YAML file into v, chosen by extension.
// Anything that is not .json is treated as YAML.
func Unmarshal(file string, v any) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return errors.WithMessagef(err, "unable to read file")
	}

	if strings.HasSuffix(file, ".json") {
		if err = json.Unmarshal(b, v); err != nil {
			return errors.WithMessagef(err, "unable parse JSON: %s", file)
		}
		return nil
	}
	if err = yaml.Unmarshal(b, v); err != nil {
		return errors.WithMessagef(err, "unable parse YAML: %s", file)
	}
	return nil
}
