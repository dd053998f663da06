package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/logging"
)

// Populated via -ldflags="-X main.GitTag=...".
var GitRevisionId string
var GitTag string

var log = logging.DefaultLogger.WithTag("protectbridged")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "protectbridged",
		Short:        "UniFi Protect cameras for HomeKit Secure Video",
		SilenceUsage: true,
		Version:      versionString(),
	}
	root.SetVersionTemplate(versionTemplate)
	root.SetHelpFunc(helpFunc(root.HelpFunc()))
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}
	root.AddCommand(
		newRunCmd(load),
		newRecordCmd(load),
		newStreamCmd(load),
		newDoctorCmd(load),
	)
	return root
}

func versionString() string {
	if GitTag != "" {
		return GitTag
	}
	if GitRevisionId != "" {
		return GitRevisionId
	}
	return "dev"
}

const versionTemplate = `protectbridged {{.Version}}
Visit https://github.com/lanikai/protectbridge for more information
`
