// Command cadence plays MPEG-TS files and live RTMP, HTTP-FLV and SRT
// streams against a shared audio clock, either one-off from the command
// line or as a service driven through the control API.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
