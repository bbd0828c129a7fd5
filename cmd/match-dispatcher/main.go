// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/versusmen/matchfleet/lib/dispatch"
)

func main() {
	os.Exit(dispatch.Command.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
