package cmd

import (
	_ "xolo/cmd/maint"
	_ "xolo/cmd/metrics"
	_ "xolo/cmd/misc"
	_ "xolo/cmd/root"
	_ "xolo/cmd/server"
	_ "xolo/cmd/title"
	_ "xolo/cmd/version"
)
