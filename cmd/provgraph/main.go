// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command provgraph compiles noWorkflow trials into Prov-JSON documents.
//
// Usage:
//
//	provgraph build 3               # python_prov/<script>.json
//	provgraph build 3 4 5           # results/workflow_<first>_to_<last>.json
//	provgraph loops analysis.py     # print loop spans of a script
//	provgraph serve                 # HTTP API on server.addr
//
// Run it from the directory holding .noworkflow, or pass --db.
package main

import (
	"fmt"
	"os"
)

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	if cerr := a.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "cleanup:", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}
