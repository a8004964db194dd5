package main

import "github.com/vorteil/checksumfs/pkg/csfs/csfslog"

// log is the csfs.Logger every command hands to csfs.Mount/Format, set up
// from --verbose/--debug in rootCmd's PersistentPreRunE.
var log = newCLILogger(false, false)

func newCLILogger(verbose, debug bool) *csfslog.CLI {
	return &csfslog.CLI{Debug: debug || verbose}
}
