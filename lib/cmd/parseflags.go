// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// ParseFlags calls flags.Parse(args) and prints appropriate
// error/help messages to stderr.
//
// The first return value, ok, is true if the program should continue
// running normally, or false if it should exit now.
//
// If ok is false, the second return value is an appropriate exit
// code: 0 if "-help" was given, 2 if there was a usage error.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, stderr io.Writer) (ok bool, exitCode int) {
	flags.Init(prog, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	err := flags.Parse(args)
	switch err {
	case nil:
		if flags.NArg() > 0 {
			fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", flags.Args())
			return false, 2
		}
		return true, 0
	case flag.ErrHelp:
		fmt.Fprintf(stderr, "Usage: %s [options]\n", prog)
		flags.SetOutput(stderr)
		flags.PrintDefaults()
		return false, 0
	default:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
}
