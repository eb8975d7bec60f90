// Command configgen renders one judge-service config per worker node from a
// shared base file and per-node overrides.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	profilePath := flag.String("profile", "configs/fleet-profile.yaml", "Path to fleet profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	profilePathAbs, err := filepath.Abs(*profilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve profile path failed: %v\n", err)
		os.Exit(1)
	}
	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load profile failed: %v\n", err)
		os.Exit(1)
	}
	if *outputDir != "" {
		profile.OutputDir = *outputDir
	}

	written, err := generate(profile, filepath.Dir(profilePathAbs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Println(path)
	}
}
