package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// Version and Commit are set at build time via ldflags.
var (
	Version = ""
	Commit  = ""
)

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Go      string `json:"go"`
}

func getVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of the alertfeed binary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{
				Version: strings.TrimSpace(Version),
				Commit:  Commit,
				Go:      fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
			}

			format, err := cmd.Flags().GetString(flagLogFormat)
			if err != nil {
				return err
			}
			if strings.ToLower(format) == logLevelJSON {
				bz, err := json.Marshal(info)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bz))
				return err
			}

			_, err = fmt.Fprintf(
				cmd.OutOrStdout(),
				"version: %s\ncommit: %s\ngo: %s\n",
				info.Version, info.Commit, info.Go,
			)
			return err
		},
	}
}
