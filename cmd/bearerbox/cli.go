package main

import "flag"

var (
	flagConfigFile, flagLogLevel string
	flagLogDateTime, flagGops    bool
)

func cliInit() {
	flag.StringVar(&flagConfigFile, "config", "./bearerbox.conf", "Path to the JSON configuration `file`")
	flag.StringVar(&flagLogLevel, "loglevel", "", "Override the configured logging level: `[debug, info, warn, err, crit]`")
	flag.BoolVar(&flagLogDateTime, "logdate", false, "Add date and time to log messages")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()
}
