// rbac-lint validates an access control configuration file and optionally
// converts it between the supported formats (YAML, JSON, binary).
//
// Usage:
//
//	rbac-lint config.yaml
//	rbac-lint -o config.bin config.yaml
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/rbac"
)

func main() {
	out := flag.String("o", "", "write the validated config to this file, format chosen by extension")
	maxCond := flag.Int("max-condition", 0, "maximum rule condition length (0 uses the engine default)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rbac-lint [-o out] [-max-condition n] <config file>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rbac-lint: %v\n", err)
		os.Exit(1)
	}

	errs := cfg.Validate(*maxCond)
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, e)
	}
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "%s: %d problem(s)\n", path, len(errs))
		os.Exit(1)
	}

	fmt.Printf("%s: ok (%d permissions, %d roles, %d subjects, %d rules)\n",
		path, len(cfg.Permissions), len(cfg.Roles), len(cfg.Subjects), len(cfg.Rules))

	if *out != "" {
		if err := writeConfig(cfg, *out); err != nil {
			fmt.Fprintf(os.Stderr, "rbac-lint: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *out)
	}
}

func loadConfig(path string) (*rbac.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	loader := rbac.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	}
	return nil, fmt.Errorf("unsupported config extension on %s", path)
}

func writeConfig(cfg *rbac.Config, path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = rbac.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported output extension on %s", path)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
