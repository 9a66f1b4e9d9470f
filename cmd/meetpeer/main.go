package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagToken    string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meetpeer",
	Short: "Reference client for the meeting signaling server",
	Long: `meetpeer joins a meeting room through the signaling server and negotiates
a WebRTC connection with every other participant. It prints roster, link,
media and chat events, and sends chat and media toggles typed on stdin.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "signaling server URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVarP(&flagToken, "token", "t", "", "identity token")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(tokenCmd, joinCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}
