// Copyright 2025 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// gen-jsonschema writes the JSON schema of cpm environment files. It runs
// from pkg/env through go generate. With -check it only reports whether the
// committed schema is current.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/invopop/jsonschema"

	"chainguard.dev/cpm/pkg/env"
)

const envPackage = "chainguard.dev/cpm/pkg/env"

var (
	outputFlag = flag.String("o", "", "output path")
	checkFlag  = flag.Bool("check", false, "fail when the output file differs instead of writing it")
)

func main() {
	flag.Parse()

	if *outputFlag == "" {
		log.Fatal("output path is required")
	}

	b, err := generate(".")
	if err != nil {
		log.Fatal(err)
	}
	if *checkFlag {
		old, err := os.ReadFile(*outputFlag)
		if err != nil {
			log.Fatal(err)
		}
		if !bytes.Equal(old, b) {
			log.Fatalf("%s is stale, run go generate ./pkg/env", *outputFlag)
		}
		return
	}
	//nolint:gosec  // the schema is published, so it stays world readable.
	if err := os.WriteFile(*outputFlag, b, 0644); err != nil {
		log.Fatal(err)
	}
}

// generate reflects env.Environment, taking field descriptions from the Go
// sources under srcDir.
func generate(srcDir string) ([]byte, error) {
	r := &jsonschema.Reflector{}
	if err := r.AddGoComments(envPackage, srcDir); err != nil {
		return nil, fmt.Errorf("reading doc comments from %s: %w", srcDir, err)
	}
	schema := r.Reflect(env.Environment{})
	schema.Title = "cpm environment"

	b := new(bytes.Buffer)
	enc := json.NewEncoder(b)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(schema); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
