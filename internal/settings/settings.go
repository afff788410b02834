package settings

const CmdName = "etrace"

const (
	DefaultOutputFile = "etrace-results.json"
)
